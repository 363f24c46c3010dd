package domain

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

// Normalize trims text fields and lower-cases the owner address.
func (n NewTask) Normalize() NewTask {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	n.OwnerEmail = strings.ToLower(strings.TrimSpace(n.OwnerEmail))
	return n
}

// Normalize trims the text fields that are present.
func (p TaskPatch) Normalize() TaskPatch {
	if p.Title != nil {
		v := strings.TrimSpace(*p.Title)
		p.Title = &v
	}
	if p.Description != nil {
		v := strings.TrimSpace(*p.Description)
		p.Description = &v
	}
	return p
}

// Validate checks the invariants every stored task must satisfy.
func (t Task) Validate() error {
	verr := &ValidationError{}
	switch n := utf8.RuneCountInString(t.Title); {
	case n == 0:
		verr.add("title", "Title is required")
	case n > MaxTitleLength:
		verr.add("title", "Title cannot exceed 100 characters")
	}
	if utf8.RuneCountInString(t.Description) > MaxDescriptionLength {
		verr.add("description", "Description cannot exceed 500 characters")
	}
	if !t.Status.Valid() {
		verr.add("status", "`"+string(t.Status)+"` is not a valid status")
	}
	switch {
	case t.OwnerEmail == "":
		verr.add("ownerEmail", "Email is required")
	case !ValidEmail(t.OwnerEmail):
		verr.add("ownerEmail", "Please provide a valid Email")
	}
	return verr.orNil()
}

// ValidEmail reports whether s is a bare addr-spec with a dotted domain.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	host := s[at+1:]
	dot := strings.LastIndexByte(host, '.')
	return dot > 0 && dot < len(host)-1
}
