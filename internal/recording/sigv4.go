package recording

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"
	"time"
)

const sigV4Algorithm = "AWS4-HMAC-SHA256"

// sigV4Signer signs requests with AWS Signature Version 4. With no
// credentials it only sets the payload digest header.
type sigV4Signer struct {
	accessKey string
	secretKey string
	region    string
	service   string
	now       func() time.Time
}

func newSigV4Signer(accessKey, secretKey, region, service string) *sigV4Signer {
	return &sigV4Signer{
		accessKey: strings.TrimSpace(accessKey),
		secretKey: strings.TrimSpace(secretKey),
		region:    region,
		service:   service,
		now:       time.Now,
	}
}

func (s *sigV4Signer) Sign(req *http.Request, payloadSHA256 string) {
	req.Host = req.URL.Host
	req.Header.Set("X-Amz-Content-Sha256", payloadSHA256)
	if s.accessKey == "" || s.secretKey == "" {
		return
	}
	at := s.now().UTC()
	stamp := at.Format("20060102T150405Z")
	day := stamp[:8]
	req.Header.Set("X-Amz-Date", stamp)

	names, block := signedHeaderBlock(req)
	uri := req.URL.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	canonical := req.Method + "\n" + uri + "\n" + req.URL.Query().Encode() + "\n" + block + "\n" + names + "\n" + payloadSHA256
	scope := day + "/" + s.region + "/" + s.service + "/aws4_request"
	toSign := sigV4Algorithm + "\n" + stamp + "\n" + scope + "\n" + hexSHA256(canonical)

	key := hmacSum([]byte("AWS4"+s.secretKey), day)
	for _, part := range []string{s.region, s.service, "aws4_request"} {
		key = hmacSum(key, part)
	}
	signature := hex.EncodeToString(hmacSum(key, toSign))
	req.Header.Set("Authorization", sigV4Algorithm+" Credential="+s.accessKey+"/"+scope+
		", SignedHeaders="+names+", Signature="+signature)
}

// signedHeaderBlock returns the sorted header names joined by ';' and the
// canonical "name:value\n" block covering host and every request header.
func signedHeaderBlock(req *http.Request) (string, string) {
	values := map[string]string{"host": req.Host}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.TrimSpace(v)
		}
		values[lower] = strings.Join(trimmed, ",")
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name + ":" + values[name] + "\n")
	}
	return strings.Join(names, ";"), b.String()
}

func hmacSum(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}

func hexSHA256(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
