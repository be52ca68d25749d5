// Package verdict signs and verifies the approval records that gate
// code promotion. A verdict covers one exact commit range and is
// tamper-evident: the signature is an HMAC over the canonical JSON of
// every other field, so any byte changed after signing invalidates it.
package verdict

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
)

// Verdict is a signed approval of one promotion of HEAD. Immutable
// once written.
type Verdict struct {
	ApprovedHeadSHA string    `json:"approved_head_sha"`
	RangeStartSHA   string    `json:"range_start_sha"`
	RangeEndSHA     string    `json:"range_end_sha"`
	Simulated       bool      `json:"simulated"`
	Engine          string    `json:"engine"`
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	ArtifactPath    string    `json:"verdict_artifact_path"`
	Signature       string    `json:"signature,omitempty"`
}

// Signer computes and checks verdict signatures with a shared secret.
// The secret comes from the environment or a file outside the
// artifacts root; it must never be written into any artifact.
type Signer struct {
	Secret []byte
	// Simulated marks verdicts produced by a dry-run engine; they
	// sign and verify structurally but never authorize a push.
	Simulated bool
	Now       func() time.Time
}

// Sign builds a verdict for the range (rangeStart, approvedHead] and
// signs it. The range end is the approved head: a verdict authorizes
// promoting exactly the revision that was reviewed.
func (s *Signer) Sign(approvedHead, rangeStart, artifactPath, engine, model string) (Verdict, error) {
	if len(s.Secret) == 0 {
		return Verdict{}, errors.New("signing secret not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	v := Verdict{
		ApprovedHeadSHA: approvedHead,
		RangeStartSHA:   rangeStart,
		RangeEndSHA:     approvedHead,
		Simulated:       s.Simulated,
		Engine:          engine,
		Model:           model,
		CreatedAt:       now().UTC().Truncate(time.Second),
		ArtifactPath:    artifactPath,
	}
	sig, err := s.signature(v)
	if err != nil {
		return Verdict{}, err
	}
	v.Signature = sig
	return v, nil
}

// Check reports why a verdict does not authorize pushing currentHead,
// or nil if it does. Every condition is affirmative: an absent or
// malformed field denies.
func (s *Signer) Check(v Verdict, currentHead string) error {
	if len(s.Secret) == 0 {
		return errors.New("signing secret not configured")
	}
	want, err := s.signature(v)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(v.Signature)
	if err != nil {
		return errors.New("signature is not valid hex")
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantRaw) {
		return errors.New("signature does not validate: payload altered or wrong secret")
	}
	if v.Simulated {
		return errors.New("verdict is simulated; simulated verdicts never authorize a push")
	}
	if currentHead == "" {
		return errors.New("current HEAD unknown")
	}
	if v.ApprovedHeadSHA != v.RangeEndSHA {
		return errors.New("approved head does not equal range end")
	}
	if v.RangeEndSHA != currentHead {
		return errors.Errorf("verdict covers %s but HEAD is %s", v.RangeEndSHA, currentHead)
	}
	return nil
}

// VerifyForPush is the boolean form of Check.
func (s *Signer) VerifyForPush(v Verdict, currentHead string) bool {
	return s.Check(v, currentHead) == nil
}

// signature computes the HMAC-SHA256 over the canonical serialization
// of the payload: every field except the signature itself, as compact
// JSON with sorted keys.
func (s *Signer) signature(v Verdict) (string, error) {
	payload := map[string]interface{}{
		"approved_head_sha":     v.ApprovedHeadSHA,
		"range_start_sha":       v.RangeStartSHA,
		"range_end_sha":         v.RangeEndSHA,
		"simulated":             v.Simulated,
		"engine":                v.Engine,
		"model":                 v.Model,
		"created_at":            v.CreatedAt,
		"verdict_artifact_path": v.ArtifactPath,
	}
	// encoding/json sorts map keys and emits no extra whitespace,
	// which is exactly the canonical form.
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "serializing verdict payload")
	}
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Save writes the verdict file. 0600: it is an authorization token,
// not an artifact for sharing.
func Save(path string, v Verdict) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding verdict")
	}
	return errors.Wrap(ioutil.WriteFile(path, b, 0600), "writing verdict file")
}

// Load reads a verdict file.
func Load(path string) (Verdict, error) {
	var v Verdict
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return v, errors.Wrap(err, "reading verdict file")
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.Wrap(err, "decoding verdict file")
	}
	return v, nil
}
