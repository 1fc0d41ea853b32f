package chain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

// shortClientOrderID builds a <=32 char client order id unique per
// (sigID, productSymbol, leg index, wall clock): a domain prefix plus
// a sanitized 6-char symbol prefix, followed by a truncated SHA-1 hex
// of the full tuple, per spec §4.6/§9.
func shortClientOrderID(sigID, productSymbol string, idx int, nowUnixNano int64) string {
	sym := nonAlnum.ReplaceAllString(strings.ToUpper(productSymbol), "")
	if len(sym) > 6 {
		sym = sym[:6]
	}
	prefix := fmt.Sprintf("T%d%s_", idx, sym)

	tuple := fmt.Sprintf("%s|%s|TP|%d|%d", sigID, productSymbol, idx, nowUnixNano)
	sum := sha1.Sum([]byte(tuple))
	hexSum := hex.EncodeToString(sum[:])

	room := 32 - len(prefix)
	if room < 0 {
		room = 0
	}
	if room > len(hexSum) {
		room = len(hexSum)
	}
	return prefix + hexSum[:room]
}
