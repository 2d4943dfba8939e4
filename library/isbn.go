package library

import (
	"math/rand"
	"strings"
)

const isbnPrefix = "978"

// ISBNCheckDigit computes the ISBN-13 check digit for the first twelve
// digits: weights alternate 1 and 3, and the digit brings the weighted sum
// to a multiple of ten.
func ISBNCheckDigit(body string) byte {
	total := 0
	for i := 0; i < len(body); i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		total += v
	}
	return byte('0' + (10-total%10)%10)
}

// ValidISBN13 reports whether s is a thirteen digit ISBN with a correct
// check digit.
func ValidISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return ISBNCheckDigit(s[:12]) == s[12]
}

// RandomISBN returns a 978-prefixed ISBN-13 with nine random digits.
func RandomISBN() string {
	var sb strings.Builder
	sb.Grow(13)
	sb.WriteString(isbnPrefix)
	for i := 0; i < 9; i++ {
		sb.WriteByte(byte('0' + rand.Intn(10)))
	}
	body := sb.String()
	return body + string(ISBNCheckDigit(body))
}
