package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"
)

// CanonicalizeJSON returns a RFC 8785-compatible canonical form for a
// restricted JSON subset (integers only; rule literals are strings).
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return errors.New("float numbers not supported in canonical form")
		}
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("invalid number")
		}
		buf.WriteString(i.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// TermsDigest derives the duplicate-suppression key of an agreement:
// sha256 over consumer, the sorted target set and the canonical form of
// the identity-normalized rule list. Two contract requests with the
// same digest describe the same terms.
func TermsDigest(consumer string, targets []string, rules []Rule) (string, error) {
	sorted := append([]string{}, targets...)
	sort.Strings(sorted)
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.ID = ""
		r.Title = ""
		r.Assigner = ""
		r.Assignee = ""
		normalized = append(normalized, r)
	}
	raw, err := json.Marshal(struct {
		Consumer string   `json:"consumer"`
		Targets  []string `json:"targets"`
		Rules    []Rule   `json:"rules"`
	}{Consumer: consumer, Targets: sorted, Rules: normalized})
	if err != nil {
		return "", err
	}
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}
