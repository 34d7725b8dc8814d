package session

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// State is the lifecycle state reported by the device for an application
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Document is a flattened application status document: the root element's
// attributes and the text of its direct children.
type Document struct {
	Root       string
	Attributes map[string]string
	Elements   map[string]string

	// Links maps a <link rel=...> relation to its href
	Links map[string]string
}

// Get returns the named field, looking at child elements first and root
// attributes second
func (d *Document) Get(name string) (string, bool) {
	if v, ok := d.Elements[name]; ok {
		return v, true
	}
	v, ok := d.Attributes[name]
	return v, ok
}

// ParseDocument flattens an XML status document
func ParseDocument(data []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	doc := &Document{
		Attributes: make(map[string]string),
		Elements:   make(map[string]string),
		Links:      make(map[string]string),
	}

	depth := 0
	var current string
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed status document: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				doc.Root = t.Name.Local
				for _, a := range t.Attr {
					doc.Attributes[a.Name.Local] = a.Value
				}
			case 2:
				current = t.Name.Local
				text.Reset()
				if current == "link" {
					var rel, href string
					for _, a := range t.Attr {
						switch a.Name.Local {
						case "rel":
							rel = a.Value
						case "href":
							href = a.Value
						}
					}
					if rel != "" {
						doc.Links[rel] = href
					}
				}
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				doc.Elements[current] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}

	if doc.Root == "" {
		return nil, errors.New("status document has no root element")
	}
	return doc, nil
}

// Status is the parsed application status
type Status struct {
	Name    string
	State   State
	RunLink string
}

// ParseStatus parses a status document body. Both state and name must be
// present and state must be a recognized keyword.
func ParseStatus(data []byte) (*Status, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}

	name, ok := doc.Get("name")
	if !ok {
		return nil, errors.New("status document is missing name")
	}
	rawState, ok := doc.Get("state")
	if !ok {
		return nil, errors.New("status document is missing state")
	}

	var state State
	switch strings.ToLower(strings.TrimSpace(rawState)) {
	case "running":
		state = StateRunning
	case "stopped":
		state = StateStopped
	default:
		return nil, fmt.Errorf("unrecognized application state %q", rawState)
	}

	return &Status{
		Name:    name,
		State:   state,
		RunLink: doc.Links["run"],
	}, nil
}
