package channel

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/netaddr"
)

// Invitation is the pre-shared configuration that lets the bridge join the
// push network. It is produced out of band by the network's operator.
//
//	name = "portal"
//	url = "https://portal.example.org:8042"
//	inner_key = "<64 hex chars>"
//	outer_key = "<64 hex chars>"
type Invitation struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	InnerKey Key    `toml:"-"`
	OuterKey Key    `toml:"-"`
}

type invitationFile struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	InnerKey string `toml:"inner_key"`
	OuterKey string `toml:"outer_key"`
}

// NewInvitation creates an invitation with freshly generated keys.
func NewInvitation(name, url string) (*Invitation, error) {
	inner, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	outer, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Invitation{Name: name, URL: url, InnerKey: inner, OuterKey: outer}, nil
}

// LoadInvitation reads and validates an invitation file.
func LoadInvitation(path string) (*Invitation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open invitation %s", path)
	}
	defer f.Close()

	inv, err := ReadInvitation(f)
	if err != nil {
		return nil, errors.Wrapf(err, "invitation %s", path)
	}
	return inv, nil
}

// ReadInvitation decodes an invitation from TOML.
func ReadInvitation(r io.Reader) (*Invitation, error) {
	var raw invitationFile
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode invitation")
	}
	if raw.Name == "" {
		return nil, errors.New("invitation has no name")
	}
	if raw.URL == "" {
		return nil, errors.New("invitation has no url")
	}

	inner, err := ParseKey(raw.InnerKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid inner_key")
	}
	outer, err := ParseKey(raw.OuterKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid outer_key")
	}
	return &Invitation{Name: raw.Name, URL: raw.URL, InnerKey: inner, OuterKey: outer}, nil
}

// Write encodes the invitation as TOML.
func (i *Invitation) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(invitationFile{
		Name:     i.Name,
		URL:      i.URL,
		InnerKey: i.InnerKey.Hex(),
		OuterKey: i.OuterKey.Hex(),
	})
}

// WebsocketURL returns the channel endpoint, rewriting http(s) to ws(s) and
// omitting default ports.
func (i *Invitation) WebsocketURL() (string, error) {
	return netaddr.WebsocketURL(i.URL)
}
