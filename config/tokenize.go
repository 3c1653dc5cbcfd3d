package config

import (
	"fmt"
	"strings"
)

// args holds tokenized argv: a set of bare words plus an ordered,
// repeatable key->values map, mirroring how muscled.cpp's ParseArgs
// fills a Message with one AddString per occurrence of a key.
type args struct {
	bare   map[string]bool
	byKey  map[string][]string
	order  []string
}

func (a *args) hasBare(word string) bool { return a.bare[word] }

func (a *args) values(key string) []string { return a.byKey[key] }

func (a *args) value(key string) (string, bool) {
	vs := a.byKey[key]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// tokenize splits argv into bare words and key=value pairs. A bare word
// may not contain "="; a key=value pair's key is everything before the
// first "=", the value everything after (so remap=a=b keeps "a=b" as
// the value, matching muscled.cpp's own remap grammar).
func tokenize(argv []string) (*args, error) {
	a := &args{bare: make(map[string]bool), byKey: make(map[string][]string)}
	for _, tok := range argv {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			a.bare[tok] = true
			continue
		}
		if key == "" {
			return nil, fmt.Errorf("config: malformed argument %q", tok)
		}
		key = strings.ToLower(key)
		a.byKey[key] = append(a.byKey[key], value)
		a.order = append(a.order, key)
	}
	return a, nil
}
