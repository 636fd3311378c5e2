package mfa

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultIssuer = "NextGate"
	// Period is the TOTP time step in seconds.
	Period = 30
	// Skew is how many steps either side of now are accepted.
	Skew = 1
)

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTP generates and checks RFC 6238 codes.
type TOTP struct {
	Issuer string
	Now    func() time.Time
}

func NewTOTP(issuer string) TOTP {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return TOTP{Issuer: issuer, Now: time.Now}
}

// QRSize is the edge length in pixels of the enrollment QR code.
const QRSize = 200

// Secret is a freshly generated shared secret with its enrollment forms.
type Secret struct {
	Secret string
	URI    string
	// QRCode is a data: URL holding a PNG of URI.
	QRCode string
}

// Generate creates a fresh secret and its otpauth:// enrollment URI.
func (t TOTP) Generate(accountName string) (Secret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.Issuer,
		AccountName: accountName,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Secret{}, fmt.Errorf("generate totp secret: %w", err)
	}
	img, err := key.Image(QRSize, QRSize)
	if err != nil {
		return Secret{}, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Secret{}, fmt.Errorf("encode qr code: %w", err)
	}
	return Secret{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Validate reports whether code matches secret within the skew window.
// Malformed secrets or codes are simply invalid.
func (t TOTP) Validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, t.now(), validateOpts)
	return err == nil && ok
}

// Code returns the current code for secret.
func (t TOTP) Code(secret string) (string, error) {
	return CodeAt(secret, t.now())
}

func (t TOTP) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// CodeAt returns the code for secret at the given instant.
func CodeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, validateOpts)
}
