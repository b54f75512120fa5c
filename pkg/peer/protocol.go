package peer

import (
	"encoding/base64"
	"encoding/json"

	"github.com/hashicorp/go-version"

	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
)

// ProtocolVersion is announced to peers. Peers only talk to peers with the
// same major version.
const ProtocolVersion = "1.0.0"

var protocolConstraint = version.MustConstraints(version.NewConstraint("~> 1.0"))

type messageType string

const (
	// announce introduces a peer. Peers answer an announce addressed to no
	// one with an announce addressed to the sender.
	msgAnnounce messageType = "announce"

	msgUpdate    messageType = "update"
	msgAwareness messageType = "awareness"
	msgLeave     messageType = "leave"
)

// roomMessage is published to the room through the signaling servers. An
// empty To addresses every peer.
type roomMessage struct {
	Type messageType `json:"type"`
	To   string      `json:"to,omitempty"`

	Version string          `json:"version,omitempty"`
	Update  *crdt.Update    `json:"update,omitempty"`
	Clock   uint64          `json:"clock,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// envelope is the data of a signaling publish. The sender is left in the
// clear so echoes can be dropped without decrypting them.
type envelope struct {
	From    string       `json:"from"`
	Sealed  string       `json:"sealed,omitempty"`
	Message *roomMessage `json:"message,omitempty"`
}

func compatible(v string) bool {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return protocolConstraint.Check(parsed)
}

// wrap encodes `msg` into an envelope, sealing it when `key` is set.
func wrap(from string, key []byte, msg roomMessage) (json.RawMessage, error) {
	env := envelope{From: from}
	if key == nil {
		env.Message = &msg
		return json.Marshal(env)
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WithContext(err, "marshal")
	}

	sealed, err := seal(key, plaintext)
	if err != nil {
		return nil, errors.WithContext(err, "seal")
	}
	env.Sealed = base64.StdEncoding.EncodeToString(sealed)
	return json.Marshal(env)
}

// unwrap decodes the message in `env`. Sealed messages that can't be opened
// with `key`, and plain messages when a key is set, are rejected.
func unwrap(env envelope, key []byte) (roomMessage, error) {
	if key == nil {
		if env.Message == nil {
			return roomMessage{}, errors.New("message is sealed")
		}
		return *env.Message, nil
	}

	if env.Sealed == "" {
		return roomMessage{}, errors.New("message isn't sealed")
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return roomMessage{}, errors.WithContext(err, "decode")
	}

	plaintext, err := open(key, sealed)
	if err != nil {
		return roomMessage{}, err
	}

	var msg roomMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return roomMessage{}, errors.WithContext(err, "unmarshal")
	}
	return msg, nil
}
