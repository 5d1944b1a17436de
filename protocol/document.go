package protocol

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"
)

// Document is the YAML form of one protocol.
type Document struct {
	Name string `yaml:"name"`
	// General holds the named integers quorum expressions refer to.
	General       map[string]int `yaml:"general"`
	Leader        string         `yaml:"leader"`
	RequestTarget string         `yaml:"request-target"`
	Roles         []string       `yaml:"roles"`
	Phases        []PhaseDoc     `yaml:"phases"`
	Transitions   []FromDoc      `yaml:"transitions"`
}

// PhaseDoc lists the states and messages of one phase.
type PhaseDoc struct {
	Name     string       `yaml:"name"`
	States   []string     `yaml:"states"`
	Messages []MessageDoc `yaml:"messages"`
}

// MessageDoc is either a bare name or a mapping with a request-block flag.
type MessageDoc struct {
	Name         string `yaml:"name"`
	RequestBlock bool   `yaml:"request-block"`
}

// UnmarshalYAML accepts both "prepare" and {name: prepare, request-block: true}.
func (m *MessageDoc) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		m.Name = name
		return nil
	}
	type plain MessageDoc
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*m = MessageDoc(p)
	return nil
}

// FromDoc groups the outgoing transitions of one (role, state) pair.
type FromDoc struct {
	Role  string  `yaml:"role"`
	State string  `yaml:"state"`
	To    []ToDoc `yaml:"to"`
}

// ToDoc is one candidate transition.
type ToDoc struct {
	State      string        `yaml:"state"`
	Condition  *ConditionDoc `yaml:"condition"`
	Update     string        `yaml:"update"`
	Response   []TargetDoc   `yaml:"response"`
	ExtraTally []TallyDoc    `yaml:"extra_tally"`
}

// ConditionDoc is the untyped condition mapping.
type ConditionDoc struct {
	Type       string `yaml:"type"`
	Message    string `yaml:"message"`
	Quorum     string `yaml:"quorum"`
	Mode       string `yaml:"mode"`
	Multiplier int    `yaml:"multiplier"`
}

// TargetDoc is a response entry.
type TargetDoc struct {
	Target  string `yaml:"target"`
	Message string `yaml:"message"`
}

// TallyDoc is an extra tally entry.
type TallyDoc struct {
	Role    string `yaml:"role"`
	Message string `yaml:"message"`
}

// Parse decodes one protocol document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrBadDocument)
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("%w: protocol %s has no phases", ErrBadDocument, doc.Name)
	}
	return &doc, nil
}

// ParseFile reads and decodes a protocol document.
func ParseFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol %s: %w", path, err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse protocol %s: %w", path, err)
	}
	return doc, nil
}
