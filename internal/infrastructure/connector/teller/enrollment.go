package teller

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"finsync/internal/infrastructure/connector"
)

// enrollmentPayload is the object Teller Connect hands the client on success,
// plus the nonce the client supplied when opening Connect.
type enrollmentPayload struct {
	AccessToken string `json:"accessToken"`
	Nonce       string `json:"nonce"`
	User        struct {
		ID string `json:"id"`
	} `json:"user"`
	Enrollment struct {
		ID          string `json:"id"`
		Institution struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"institution"`
	} `json:"enrollment"`
	Signatures []string `json:"signatures"`
}

func decodeEnrollment(raw json.RawMessage) (*enrollmentPayload, error) {
	var p enrollmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrInvalidEnrollment, err)
	}
	if p.AccessToken == "" || p.Enrollment.ID == "" {
		return nil, fmt.Errorf("%w: accessToken and enrollment.id are required", connector.ErrInvalidEnrollment)
	}
	return &p, nil
}

// signedMessage is the string Teller signs for an enrollment.
func (p *enrollmentPayload) signedMessage(environment string) string {
	return strings.Join([]string{p.Nonce, p.AccessToken, p.User.ID, p.Enrollment.ID, environment}, ".")
}

// verify checks that at least one signature was made by key. Teller may
// send several while rotating keys.
func (p *enrollmentPayload) verify(key ed25519.PublicKey, environment string) error {
	if p.Nonce == "" || len(p.Signatures) == 0 {
		return fmt.Errorf("%w: missing nonce or signatures", connector.ErrInvalidEnrollment)
	}

	msg := []byte(p.signedMessage(environment))
	for _, s := range p.Signatures {
		sig, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, msg, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: enrollment signature mismatch", connector.ErrInvalidEnrollment)
}
