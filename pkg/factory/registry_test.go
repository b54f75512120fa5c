package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/livedoc"
)

var newFile = FactoryFunc(func(Options) livedoc.Document { return livedoc.NewFile() })
var newNotebook = FactoryFunc(func(Options) livedoc.Document { return livedoc.NewNotebook() })

func TestRegister(t *testing.T) {
	r := NewRegistry(nil)
	assert.True(t, r.Collaborative())

	assert.NoError(t, r.Register(contents.TypeNotebook, newNotebook))
	assert.NoError(t, r.Register(contents.TypeFile, newFile))

	err := r.Register(contents.TypeNotebook, newNotebook)
	assert.Equal(t, errors.DuplicateFactory{ContentType: "notebook"}, err)
	assert.EqualError(t, err, "the content type notebook already exists")

	assert.Panics(t, func() { r.MustRegister(contents.TypeFile, newFile) })
}

func TestCreateNew(t *testing.T) {
	var created []Options
	r := NewRegistry(func(opts Options, doc livedoc.Document) {
		assert.NotNil(t, doc)
		created = append(created, opts)
	})
	r.MustRegister(contents.TypeFile, newFile)
	r.MustRegister(contents.TypeNotebook, newNotebook)

	tests := []struct {
		name    string
		opts    Options
		expNil  bool
		expType livedoc.Document
	}{
		{
			name: "UndefinedFormat",
			opts: Options{Path: "a.txt", ContentType: contents.TypeFile,
				Collaborative: true},
			expNil: true,
		},
		{
			name: "UnknownFormat",
			opts: Options{Path: "a.txt", Format: "binary",
				ContentType: contents.TypeFile, Collaborative: true},
			expNil: true,
		},
		{
			name: "NotCollaborative",
			opts: Options{Path: "a.txt", Format: contents.FormatText,
				ContentType: contents.TypeFile},
			expNil: true,
		},
		{
			name: "UnregisteredType",
			opts: Options{Path: "dir", Format: contents.FormatText,
				ContentType: contents.TypeDirectory, Collaborative: true},
			expNil: true,
		},
		{
			name: "File",
			opts: Options{Path: "a.txt", Format: contents.FormatText,
				ContentType: contents.TypeFile, Collaborative: true},
			expType: &livedoc.File{},
		},
		{
			name: "Notebook",
			opts: Options{Path: "nb.ipynb", Format: contents.FormatJSON,
				ContentType: contents.TypeNotebook, Collaborative: true},
			expType: &livedoc.Notebook{},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			created = nil
			doc := r.CreateNew(test.opts)
			if test.expNil {
				assert.Nil(t, doc)
				assert.Empty(t, created)
				return
			}

			assert.IsType(t, test.expType, doc)
			assert.Equal(t, []Options{test.opts}, created)
		})
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry(nil)
	RegisterDefaults(r)

	nb := r.CreateNew(Options{Format: contents.FormatJSON, ContentType: contents.TypeNotebook, Collaborative: true})
	assert.IsType(t, &livedoc.Notebook{}, nb)

	file := r.CreateNew(Options{Format: contents.FormatText, ContentType: contents.TypeFile, Collaborative: true})
	assert.IsType(t, &livedoc.File{}, file)

	assert.Nil(t, r.CreateNew(Options{Format: contents.FormatText, ContentType: contents.TypeDirectory, Collaborative: true}))
	assert.Panics(t, func() { RegisterDefaults(r) })
}
