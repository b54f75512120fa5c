package livedoc

import (
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
)

// Notebook fields stored in the "notebook" map.
const (
	keyMetadata      = "metadata"
	keyNbformat      = "nbformat"
	keyNbformatMinor = "nbformat_minor"
	keyCells         = "cells"
)

// Notebook is a live notebook.
type Notebook struct {
	base
}

// NewNotebook returns an empty Notebook.
func NewNotebook() *Notebook {
	return &Notebook{base: base{doc: crdt.NewDoc()}}
}

func (nb *Notebook) notebook() *crdt.Map {
	return nb.doc.GetMap("notebook")
}

// Cells returns the notebook's cells.
func (nb *Notebook) Cells() []interface{} {
	v, _ := nb.notebook().Get(keyCells)
	cells, _ := v.([]interface{})
	return cells
}

// Metadata returns the notebook's metadata.
func (nb *Notebook) Metadata() map[string]interface{} {
	v, _ := nb.notebook().Get(keyMetadata)
	metadata, _ := v.(map[string]interface{})
	return metadata
}

// ToJSON returns the notebook in the nbformat JSON layout.
func (nb *Notebook) ToJSON() map[string]interface{} {
	out := nb.notebook().ToJSON()
	if _, ok := out[keyCells]; !ok {
		out[keyCells] = []interface{}{}
	}
	if _, ok := out[keyMetadata]; !ok {
		out[keyMetadata] = map[string]interface{}{}
	}
	return out
}

// FromJSON replaces the notebook with the decoded nbformat JSON `notebook`.
// All fields are written in one transaction.
func (nb *Notebook) FromJSON(notebook map[string]interface{}) error {
	return nb.doc.Transact(func(tx *crdt.Txn) error {
		m := tx.GetMap(nb.doc, "notebook")
		for _, key := range []string{keyMetadata, keyNbformat, keyNbformatMinor, keyCells} {
			v, ok := notebook[key]
			if !ok {
				tx.Delete(m, key)
				continue
			}

			if err := tx.Set(m, key, v); err != nil {
				return errors.WithContext(err, key)
			}
		}
		return nil
	})
}
