// Package fingerprint computes stable content fingerprints for generated
// artifacts and records first-seen variants, so near-duplicate generations
// are rejected instead of treated as distinct successes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/strideprep/itemforge-backend/internal/qti"
)

// ErrUnfingerprintable means the content could not be canonicalized. The
// executor treats this as a retryable stage failure, not a duplicate.
var ErrUnfingerprintable = errors.New("content cannot be fingerprinted")

var wsRE = regexp.MustCompile(`\s+`)

// Compute canonicalizes structured content and hashes it. Identical semantic
// content always yields the identical fingerprint regardless of superficial
// formatting: whitespace, choice ordering, choice identifier naming, and
// numeric formatting are all normalized away.
//
// QTI item XML and JSON documents are supported; anything else fails with
// ErrUnfingerprintable.
func Compute(content []byte) (string, error) {
	canon, err := canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(content []byte) (string, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty content", ErrUnfingerprintable)
	}

	if strings.HasPrefix(trimmed, "<") {
		item, err := qti.ParseItem([]byte(trimmed))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnfingerprintable, err)
		}
		return canonicalItem(item), nil
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return "", fmt.Errorf("%w: neither XML nor JSON", ErrUnfingerprintable)
	}
	var b strings.Builder
	writeCanonicalJSON(&b, doc)
	return b.String(), nil
}

// canonicalItem reduces an item to its semantic content: normalized prompt,
// sorted normalized choice texts, and the normalized texts (not identifiers)
// of the correct choices.
func canonicalItem(item *qti.Item) string {
	byID := map[string]string{}
	choices := make([]string, 0, len(item.Choices))
	for _, c := range item.Choices {
		text := normalizeText(c.Text)
		byID[c.Identifier] = text
		choices = append(choices, text)
	}
	sort.Strings(choices)

	correct := make([]string, 0, len(item.CorrectResponse))
	for _, id := range item.CorrectResponse {
		if text, ok := byID[id]; ok {
			correct = append(correct, text)
		} else {
			correct = append(correct, normalizeText(id))
		}
	}
	sort.Strings(correct)

	var b strings.Builder
	b.WriteString("prompt:")
	b.WriteString(normalizeText(item.Prompt))
	b.WriteString("|choices:")
	b.WriteString(strings.Join(choices, "\x1f"))
	b.WriteString("|correct:")
	b.WriteString(strings.Join(correct, "\x1f"))
	return b.String()
}

func writeCanonicalJSON(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(k)
			b.WriteString(":")
			writeCanonicalJSON(b, t[k])
		}
		b.WriteString("}")
	case []any:
		b.WriteString("[")
		for i, e := range t {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonicalJSON(b, e)
		}
		b.WriteString("]")
	case string:
		b.WriteString(normalizeText(t))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprintf(b, "%v", t)
	}
}

// normalizeText lowercases, collapses whitespace, and rewrites numeric
// tokens to a canonical form ("2.50" and "2.5" fingerprint identically).
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = wsRE.ReplaceAllString(s, " ")
	fields := strings.Split(s, " ")
	for i, f := range fields {
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			fields[i] = strconv.FormatFloat(n, 'g', -1, 64)
		}
	}
	return strings.Join(fields, " ")
}
