// Package session establishes an authenticated browsing context on the
// target platform from pre-obtained credentials, without interactive login.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credential is one browser credential entry as stored in the credential
// file. Only name and value are mandatory; the rest default to the target
// origin's conventions during sanitization.
type Credential struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   *bool  `json:"secure,omitempty"`
	HTTPOnly *bool  `json:"httpOnly,omitempty"`
}

// LoadCredentials reads the ordered credential list from a JSON file.
func LoadCredentials(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return creds, nil
}

// sanitized is a credential reduced to the attribute subset the automation
// layer accepts, with origin defaults applied.
type sanitized struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// sanitize validates and normalizes one entry against the origin's cookie
// conventions. Malformed entries are dropped individually (ok=false), never
// failing the whole set.
func sanitize(c Credential, defaultDomain string) (sanitized, bool) {
	name := strings.TrimSpace(c.Name)
	if name == "" || c.Value == "" {
		return sanitized{}, false
	}
	s := sanitized{
		Name:     name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   true,
		HTTPOnly: false,
	}
	if s.Domain == "" {
		s.Domain = defaultDomain
	}
	if s.Path == "" {
		s.Path = "/"
	}
	if c.Secure != nil {
		s.Secure = *c.Secure
	}
	if c.HTTPOnly != nil {
		s.HTTPOnly = *c.HTTPOnly
	}
	return s, true
}
