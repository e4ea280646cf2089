package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key identifies one cacheable generation. Term tree node ids are sorted
// before hashing so selection order never changes the fingerprint.
type Key struct {
	RelatedType     string
	RelatedID       int64
	TermTreeNodeIDs []int64
	Version         string
	Language        string
}

// Fingerprint returns the deterministic hash identifying this key.
func (k Key) Fingerprint() string {
	nodes := append([]int64(nil), k.TermTreeNodeIDs...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	material := fmt.Sprintf("%s|%d|%s|%s|%s",
		strings.ToLower(strings.TrimSpace(k.RelatedType)),
		k.RelatedID,
		strings.Join(parts, ","),
		k.Version,
		k.Language,
	)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
