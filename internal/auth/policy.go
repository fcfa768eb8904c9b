// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

// UsernamePolicy validates usernames and rejects reserved names. Reserved
// patterns are glob expressions matched case-insensitively, e.g. "admin*".
type UsernamePolicy struct {
	patterns []string
	reserved []glob.Glob
}

// NewUsernamePolicy compiles the reserved patterns.
func NewUsernamePolicy(reserved []string) (*UsernamePolicy, error) {
	p := &UsernamePolicy{}
	for _, pattern := range reserved {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, oops.With("pattern", pattern).Wrapf(err, "compile reserved username pattern")
		}
		p.patterns = append(p.patterns, pattern)
		p.reserved = append(p.reserved, g)
	}
	return p, nil
}

// Validate applies ValidateUsername and the reserved-name check.
func (p *UsernamePolicy) Validate(username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	lower := strings.ToLower(username)
	for i, g := range p.reserved {
		if g.Match(lower) {
			return oops.Code(errutil.CodeInvalidUsername).
				Public("username is reserved").
				With("pattern", p.patterns[i]).
				Errorf("username %q is reserved", username)
		}
	}
	return nil
}
