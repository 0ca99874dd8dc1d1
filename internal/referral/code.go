package referral

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// CodePrefix starts every referral code
const CodePrefix = "STUDY-"

// codeAlphabet leaves out 0, O, 1, I and L
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 5

var codePattern = regexp.MustCompile(`^STUDY-[ABCDEFGHJKMNPQRSTUVWXYZ23456789]{5}$`)

// GenerateCode returns a random code such as STUDY-AB3F9
func GenerateCode() string {
	var b strings.Builder
	b.WriteString(CodePrefix)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeCode trims and upper-cases a user-supplied code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidFormat reports whether code is well formed, ignoring case
func ValidFormat(code string) bool {
	return codePattern.MatchString(NormalizeCode(code))
}

// timeCode derives a code from t, used once random candidates are exhausted
func timeCode(t time.Time) string {
	n := uint64(t.UnixNano())
	base := uint64(len(codeAlphabet))
	suffix := make([]byte, codeLength)
	for i := codeLength - 1; i >= 0; i-- {
		suffix[i] = codeAlphabet[n%base]
		n /= base
	}
	return CodePrefix + string(suffix)
}
