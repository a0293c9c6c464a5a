// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package masking

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"querygate/proxy/shared/types"
)

// Strategy names a masking transformation.
type Strategy string

const (
	StrategyFull             Strategy = "FULL"
	StrategyPartial          Strategy = "PARTIAL"
	StrategyHash             Strategy = "HASH"
	StrategyTokenize         Strategy = "TOKENIZE"
	StrategyPseudonymize     Strategy = "PSEUDONYMIZE"
	StrategyGeneralize       Strategy = "GENERALIZE"
	StrategyFormatPreserving Strategy = "FORMAT_PRESERVING"
	StrategyNullify          Strategy = "NULLIFY"
	StrategyRedact           Strategy = "REDACT"
	StrategyCustom           Strategy = "CUSTOM"
)

// Options tunes a strategy. Unused fields are ignored by strategies that do
// not read them.
type Options struct {
	MaskChar    string `yaml:"mask_char" json:"mask_char,omitempty"`
	Replacement string `yaml:"replacement" json:"replacement,omitempty"`

	// PARTIAL
	StartChars int `yaml:"start_chars" json:"start_chars,omitempty"`
	EndChars   int `yaml:"end_chars" json:"end_chars,omitempty"`

	// HASH
	Algorithm string `yaml:"algorithm" json:"algorithm,omitempty"`
	Salt      string `yaml:"salt" json:"salt,omitempty"`
	Prefix    string `yaml:"prefix" json:"prefix,omitempty"`

	// PSEUDONYMIZE; filled from the rule's data_category when empty.
	Category string `yaml:"category" json:"category,omitempty"`

	// GENERALIZE
	Kind        string  `yaml:"kind" json:"kind,omitempty"` // age|date|zip|income|numeric
	Band        float64 `yaml:"band" json:"band,omitempty"`
	Granularity string  `yaml:"granularity" json:"granularity,omitempty"` // year|month

	// CUSTOM
	Function string `yaml:"function" json:"function,omitempty"`
}

func (o *Options) maskChar() string {
	if o.MaskChar != "" {
		// First rune, not first byte: a multibyte mask char stays intact.
		return string([]rune(o.MaskChar)[0])
	}
	return "*"
}

// MaskFunc transforms one cell value. nil cells pass through every
// strategy untouched; SQL NULL carries no information to hide.
type MaskFunc func(value interface{}, opts *Options) interface{}

// StrategyRegistry resolves strategies and custom functions to handlers.
// Built-ins are installed at construction; custom functions are resolved
// by name when the rules load, so a missing function fails the load rather
// than a query.
type StrategyRegistry struct {
	mu       sync.RWMutex
	builtins map[Strategy]MaskFunc
	custom   map[string]MaskFunc
}

// newStrategyRegistry wires the built-ins. Tokenisation and
// pseudonymisation close over the store so their mappings live for the
// process.
func newStrategyRegistry(tokens *tokenStore) *StrategyRegistry {
	r := &StrategyRegistry{
		builtins: make(map[Strategy]MaskFunc),
		custom:   make(map[string]MaskFunc),
	}
	r.builtins[StrategyFull] = maskFull
	r.builtins[StrategyPartial] = maskPartial
	r.builtins[StrategyHash] = maskHash
	r.builtins[StrategyTokenize] = tokens.mask
	r.builtins[StrategyPseudonymize] = maskPseudonymize
	r.builtins[StrategyGeneralize] = maskGeneralize
	r.builtins[StrategyFormatPreserving] = maskFormatPreserving
	r.builtins[StrategyNullify] = maskNullify
	r.builtins[StrategyRedact] = maskRedact
	return r
}

// RegisterCustom installs a named custom masking function.
func (r *StrategyRegistry) RegisterCustom(name string, fn MaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.custom[name]; exists {
		return types.Errorf(types.KindValidation, "masking function %q is already registered", name)
	}
	r.custom[name] = fn
	return nil
}

// resolve returns the handler for a strategy, looking custom functions up
// by name.
func (r *StrategyRegistry) resolve(strategy Strategy, fnName string) (MaskFunc, error) {
	if strategy == StrategyCustom {
		r.mu.RLock()
		fn, ok := r.custom[fnName]
		r.mu.RUnlock()
		if !ok {
			return nil, types.Errorf(types.KindValidation, "undefined masking function %q", fnName)
		}
		return fn, nil
	}

	fn, ok := r.builtins[strategy]
	if !ok {
		return nil, types.Errorf(types.KindValidation, "unknown masking strategy %q", strategy)
	}
	return fn, nil
}

// --- built-in strategies ---

func maskFull(value interface{}, opts *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	if opts.Replacement != "" {
		return opts.Replacement
	}
	return strings.Repeat(opts.maskChar(), utf8.RuneCountInString(s))
}

// maskPartial works in runes so the visible windows never split a
// multibyte character.
func maskPartial(value interface{}, opts *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	start, end := opts.StartChars, opts.EndChars
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	runes := []rune(s)
	if len(runes) <= start+end {
		return strings.Repeat(opts.maskChar(), len(runes))
	}
	return string(runes[:start]) + strings.Repeat(opts.maskChar(), len(runes)-start-end) + string(runes[len(runes)-end:])
}

func maskHash(value interface{}, opts *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	payload := []byte(opts.Salt + s)
	var digest string
	switch strings.ToLower(opts.Algorithm) {
	case "md5":
		sum := md5.Sum(payload)
		digest = hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(payload)
		digest = hex.EncodeToString(sum[:])
	}
	return opts.Prefix + digest
}

func maskPseudonymize(value interface{}, opts *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	h := fnv32(s)
	switch strings.ToLower(opts.Category) {
	case "name":
		return pseudoFirstNames[h%uint32(len(pseudoFirstNames))] + " " +
			pseudoLastNames[(h/7)%uint32(len(pseudoLastNames))]
	case "email":
		return fmt.Sprintf("user%08x@example.com", h)
	case "phone":
		return fmt.Sprintf("+1-555-01%02d", h%100)
	case "address":
		return fmt.Sprintf("%d Example Street", h%9000+100)
	default:
		return fmt.Sprintf("anon_%08x", h)
	}
}

func maskGeneralize(value interface{}, opts *Options) interface{} {
	switch strings.ToLower(opts.Kind) {
	case "age":
		band := opts.Band
		if band <= 0 {
			band = 10
		}
		n, ok := cellNumber(value)
		if !ok {
			return value
		}
		lo := int(n/band) * int(band)
		return fmt.Sprintf("%d-%d", lo, lo+int(band)-1)

	case "date":
		t, ok := cellTime(value)
		if !ok {
			return value
		}
		if strings.ToLower(opts.Granularity) == "year" {
			return t.Format("2006")
		}
		return t.Format("2006-01")

	case "zip":
		s, ok := cellString(value)
		if !ok {
			return value
		}
		if len(s) <= 3 {
			return s
		}
		return s[:3] + strings.Repeat("*", len(s)-3)

	case "income", "numeric":
		band := opts.Band
		if band <= 0 {
			band = 10000
		}
		n, ok := cellNumber(value)
		if !ok {
			return value
		}
		lo := int64(n/band) * int64(band)
		return fmt.Sprintf("%d-%d", lo, lo+int64(band)-1)

	default:
		return value
	}
}

// maskFormatPreserving substitutes per character class: digits become
// other digits (derived from the value so the output is stable), letters
// become the mask char with case kept, everything else passes through.
func maskFormatPreserving(value interface{}, opts *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	mask := []rune(opts.maskChar())[0]
	upper := unicode.ToUpper(mask)
	lower := unicode.ToLower(mask)

	seed := fnv32(s)
	out := make([]rune, 0, len(s))
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			out = append(out, rune('0'+(seed+uint32(i)*31)%10))
		case unicode.IsUpper(r):
			out = append(out, upper)
		case unicode.IsLower(r):
			out = append(out, lower)
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func maskNullify(value interface{}, _ *Options) interface{} {
	if value == nil {
		return nil
	}
	return nil
}

func maskRedact(value interface{}, _ *Options) interface{} {
	if value == nil {
		return nil
	}
	return "[REDACTED]"
}

// --- token store ---

// tokenStore keeps the process-wide tokenisation mapping. Tokens are
// random, so they cannot be reversed outside this process, and tokenising
// an existing token returns it unchanged.
type tokenStore struct {
	mu      sync.Mutex
	forward map[string]string
	reverse map[string]string
	seq     uint64
}

func newTokenStore() *tokenStore {
	return &tokenStore{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

func (t *tokenStore) mask(value interface{}, _ *Options) interface{} {
	s, ok := cellString(value)
	if !ok {
		return value
	}
	return t.token(s)
}

func (t *tokenStore) token(value string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tok, ok := t.forward[value]; ok {
		return tok
	}
	if _, isToken := t.reverse[value]; isToken {
		return value
	}

	t.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", t.seq, value)))
	tok := "tok_" + hex.EncodeToString(sum[:8])
	t.forward[value] = tok
	t.reverse[tok] = value
	return tok
}

// --- cell coercion helpers ---

// cellString renders a cell for string masking. nil and non-textual
// values report false so strategies leave them alone.
func cellString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprint(v), true
	}
}

func cellNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cellTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	case []byte:
		return cellTime(string(x))
	}
	return time.Time{}, false
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

var pseudoFirstNames = []string{
	"Alex", "Casey", "Drew", "Elliot", "Harper", "Jamie", "Jordan",
	"Morgan", "Quinn", "Reese", "Riley", "Rowan", "Sage", "Taylor",
}

var pseudoLastNames = []string{
	"Adams", "Baker", "Carter", "Davis", "Ellis", "Foster", "Gray",
	"Hayes", "Irwin", "Jones", "Kelly", "Lane", "Mason", "Nolan",
}
