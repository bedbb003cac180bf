package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Token is a non-native asset the escrow account can pay out.
type Token struct {
	Code     string
	Issuer   string // XRPL issuer account or Solana mint
	Decimals int32
}

// TokenRegistry maps asset codes to their issuers and back.
type TokenRegistry struct {
	byCode   map[string]Token
	byIssuer map[string]Token
}

// ParseTokens parses a registry definition of the form
//
//	GOLD=rIssuer,SILVER=MintAddress:6
//
// Decimals default to 0 when omitted. Codes are upper-cased.
func ParseTokens(def string) (*TokenRegistry, error) {
	r := &TokenRegistry{
		byCode:   make(map[string]Token),
		byIssuer: make(map[string]Token),
	}

	for _, entry := range strings.Split(def, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		code, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(code) == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid token entry %q, expected CODE=ISSUER[:DECIMALS]", entry)
		}

		tok := Token{Code: strings.ToUpper(strings.TrimSpace(code))}
		issuer, dec, hasDec := strings.Cut(strings.TrimSpace(rest), ":")
		tok.Issuer = issuer
		if hasDec {
			n, err := strconv.ParseInt(dec, 10, 32)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid decimals in token entry %q", entry)
			}
			tok.Decimals = int32(n)
		}

		if _, dup := r.byCode[tok.Code]; dup {
			return nil, fmt.Errorf("duplicate token code %q", tok.Code)
		}
		r.byCode[tok.Code] = tok
		r.byIssuer[tok.Issuer] = tok
	}

	return r, nil
}

// Lookup finds a token by code, case-insensitively.
func (r *TokenRegistry) Lookup(code string) (Token, bool) {
	if r == nil || r.byCode == nil {
		return Token{}, false
	}
	t, ok := r.byCode[strings.ToUpper(code)]
	return t, ok
}

// LookupIssuer finds a token by issuer or mint.
func (r *TokenRegistry) LookupIssuer(issuer string) (Token, bool) {
	if r == nil || r.byIssuer == nil {
		return Token{}, false
	}
	t, ok := r.byIssuer[issuer]
	return t, ok
}

// Len returns the number of registered tokens.
func (r *TokenRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byCode)
}
