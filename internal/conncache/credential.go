package conncache

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ImplicitIdentity is the ledger identity used when the caller supplies no
// credential and the ambient Windows identity is used instead.
const ImplicitIdentity = "<implicit>"

// Credential is an explicit username/password identity for a remote host.
// A nil *Credential means the implicit (ambient Windows) identity.
type Credential struct {
	Username string `json:"username" validate:"required,min=1"`
	Password string `json:"password" validate:"required,min=1"`
	Domain   string `json:"domain,omitempty"`
}

// Global validator instance
var validate = validator.New()

// Validate checks the credential fields and returns field-level errors.
func (c *Credential) Validate() error {
	if c == nil {
		return nil
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var messages []string
	for _, e := range err.(validator.ValidationErrors) {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s characters", field, e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid credential: %s", strings.Join(messages, "; "))
}

// Identity returns the ledger key for the credential: "domain\user" in
// lowercase, or ImplicitIdentity for a nil credential. Identities are what
// the good/bad sets hold; the password never participates in the key.
func (c *Credential) Identity() string {
	if c == nil {
		return ImplicitIdentity
	}
	if c.Domain != "" {
		return strings.ToLower(c.Domain + `\` + c.Username)
	}
	return strings.ToLower(c.Username)
}

// clone returns an independent copy; nil stays nil.
func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
