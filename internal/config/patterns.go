package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Patterns are the tunable matching rules kept outside the binary.
type Patterns struct {
	InvoiceRejectPatterns []string            `yaml:"invoice_reject_patterns"`
	ProofOfDeliveryWords  []string            `yaml:"proof_of_delivery_keywords"`
	DocumentTypes         map[string][]string `yaml:"document_types"`
}

// DefaultPatterns is used when no patterns file exists.
func DefaultPatterns() *Patterns {
	return &Patterns{
		InvoiceRejectPatterns: []string{`^SIV_RHO`, `^SIV_RAK`},
		ProofOfDeliveryWords: []string{
			"received", "sign", "stamp", "weight", "courier", "awb",
			"proof of delivery", "bol", "bill of lading", "driver",
		},
		DocumentTypes: map[string][]string{
			"purchase_order": {`purchase\s+order`, `\bp\.?o\.?\s*(no|number|#)`},
			"delivery_note":  {`delivery\s+(note|order)`, `packing\s+slip`, `proof\s+of\s+delivery`},
			"sales_invoice":  {`(tax\s+|sales\s+)?invoice`, `invoice\s+(no|number|#)`},
		},
	}
}

// LoadPatterns reads a YAML patterns file. A missing file yields the defaults;
// sections missing from the file are filled from the defaults.
func LoadPatterns(path string) (*Patterns, error) {
	def := DefaultPatterns()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return def, nil
		}
		return nil, fmt.Errorf("read patterns file %s: %w", path, err)
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse patterns file %s: %w", path, err)
	}
	if len(p.InvoiceRejectPatterns) == 0 {
		p.InvoiceRejectPatterns = def.InvoiceRejectPatterns
	}
	if len(p.ProofOfDeliveryWords) == 0 {
		p.ProofOfDeliveryWords = def.ProofOfDeliveryWords
	}
	if len(p.DocumentTypes) == 0 {
		p.DocumentTypes = def.DocumentTypes
	}
	if _, err := p.CompileInvoiceRejects(); err != nil {
		return nil, err
	}
	if _, err := p.CompileDocumentTypes(); err != nil {
		return nil, err
	}
	return &p, nil
}

// CompileInvoiceRejects compiles the invoice-code rejection patterns.
func (p *Patterns) CompileInvoiceRejects() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(p.InvoiceRejectPatterns))
	for _, raw := range p.InvoiceRejectPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid invoice reject pattern %q: %w", raw, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// TypePattern pairs a document type with one classification regex.
type TypePattern struct {
	DocType string
	Re      *regexp.Regexp
}

// CompileDocumentTypes compiles the classification regexes in a stable order
// (purchase order, delivery note, sales invoice, then anything else).
func (p *Patterns) CompileDocumentTypes() ([]TypePattern, error) {
	order := []string{"purchase_order", "delivery_note", "sales_invoice"}
	seen := map[string]bool{}
	var out []TypePattern
	add := func(docType string) error {
		for _, raw := range p.DocumentTypes[docType] {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return fmt.Errorf("invalid %s pattern %q: %w", docType, raw, err)
			}
			out = append(out, TypePattern{DocType: docType, Re: re})
		}
		seen[docType] = true
		return nil
	}
	for _, t := range order {
		if err := add(t); err != nil {
			return nil, err
		}
	}
	var rest []string
	for t := range p.DocumentTypes {
		if !seen[t] {
			rest = append(rest, t)
		}
	}
	sort.Strings(rest)
	for _, t := range rest {
		if err := add(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Keywords returns the proof-of-delivery keywords lower-cased.
func (p *Patterns) Keywords() []string {
	out := make([]string, 0, len(p.ProofOfDeliveryWords))
	for _, k := range p.ProofOfDeliveryWords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}
