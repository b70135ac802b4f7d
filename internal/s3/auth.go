package s3

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/versohq/verso/internal/logging/audit"
)

// Authorizer authenticates and authorizes S3 requests.
type Authorizer interface {
	// AuthorizeRequest returns the user ID if the request may perform verb on
	// resource ("buckets" or "objects").
	AuthorizeRequest(r *http.Request, verb, resource, bucket, objectKey string) (userID string, err error)
}

// Credential is one static S3 key pair.
type Credential struct {
	AccessKey string
	SecretKey string
	UserID    string
}

// CredentialStore manages S3 credential lookups.
type CredentialStore struct {
	// accessKeyToUser maps access key -> user ID
	accessKeyToUser map[string]string
	// accessKeySecrets maps access key -> secret key
	accessKeySecrets map[string]string
	mu               sync.RWMutex
}

// NewCredentialStore creates a credential store holding creds.
func NewCredentialStore(creds ...Credential) *CredentialStore {
	cs := &CredentialStore{
		accessKeyToUser:  make(map[string]string),
		accessKeySecrets: make(map[string]string),
	}
	for _, c := range creds {
		cs.Register(c)
	}
	return cs
}

// Register adds or replaces a credential.
func (cs *CredentialStore) Register(c Credential) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	userID := c.UserID
	if userID == "" {
		userID = c.AccessKey
	}
	cs.accessKeyToUser[c.AccessKey] = userID
	cs.accessKeySecrets[c.AccessKey] = c.SecretKey
}

// Lookup returns the user ID and secret key for an access key.
func (cs *CredentialStore) Lookup(accessKey string) (userID, secretKey string, ok bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	userID, ok = cs.accessKeyToUser[accessKey]
	if !ok {
		return "", "", false
	}
	return userID, cs.accessKeySecrets[accessKey], true
}

// UserCount returns the number of registered credentials.
func (cs *CredentialStore) UserCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.accessKeyToUser)
}

// maxClockSkew bounds the difference between a signed request's date and now.
const maxClockSkew = 15 * time.Minute

// StaticAuthorizer accepts any request signed by a registered credential.
// Every authenticated user may perform every operation.
type StaticAuthorizer struct {
	credentials *CredentialStore
	audit       *audit.Logger
	now         func() time.Time
}

// NewStaticAuthorizer creates an authorizer over credentials. auditLog may be nil.
func NewStaticAuthorizer(credentials *CredentialStore, auditLog *audit.Logger) *StaticAuthorizer {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &StaticAuthorizer{credentials: credentials, audit: auditLog, now: time.Now}
}

// AuthorizeRequest verifies an AWS Signature V4 or V2 Authorization header,
// or HTTP basic auth with the secret key as password.
func (a *StaticAuthorizer) AuthorizeRequest(r *http.Request, verb, resource, bucket, objectKey string) (string, error) {
	method, userID, err := a.authenticate(r)
	source := sourceIP(r)
	if err != nil {
		a.audit.LogAuth(userID, method, "denied", err.Error(), source)
		return "", ErrAccessDenied
	}
	a.audit.LogAuth(userID, method, "allowed", verb+" "+resource, source)
	return userID, nil
}

func (a *StaticAuthorizer) authenticate(r *http.Request) (method, userID string, err error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "AWS4-HMAC-SHA256 "):
		userID, err = a.verifyV4(r, header)
		return "aws_sigv4", userID, err
	case strings.HasPrefix(header, "AWS "):
		userID, err = a.verifyV2(r, header)
		return "aws_sigv2", userID, err
	}

	accessKey, password, ok := r.BasicAuth()
	if !ok {
		return "none", "", fmt.Errorf("no credentials")
	}
	userID, secret, ok := a.credentials.Lookup(accessKey)
	if !ok {
		return "basic", "", fmt.Errorf("unknown access key")
	}
	if !hmac.Equal([]byte(secret), []byte(password)) {
		return "basic", userID, fmt.Errorf("invalid password")
	}
	return "basic", userID, nil
}

// v4Auth is a parsed AWS4-HMAC-SHA256 Authorization header.
type v4Auth struct {
	accessKey     string
	date          string
	region        string
	service       string
	signedHeaders []string
	signature     string
}

func parseV4Header(header string) (*v4Auth, error) {
	var (
		out  v4Auth
		cred string
	)
	for _, field := range strings.Split(strings.TrimPrefix(header, "AWS4-HMAC-SHA256 "), ",") {
		field = strings.TrimSpace(field)
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "Credential":
			cred = v
		case "SignedHeaders":
			out.signedHeaders = strings.Split(v, ";")
		case "Signature":
			out.signature = v
		}
	}
	// ACCESS_KEY/date/region/service/aws4_request
	parts := strings.Split(cred, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return nil, fmt.Errorf("malformed credential scope")
	}
	if len(out.signedHeaders) == 0 || out.signature == "" {
		return nil, fmt.Errorf("malformed authorization header")
	}
	out.accessKey, out.date, out.region, out.service = parts[0], parts[1], parts[2], parts[3]
	return &out, nil
}

func (a *StaticAuthorizer) verifyV4(r *http.Request, header string) (string, error) {
	auth, err := parseV4Header(header)
	if err != nil {
		return "", err
	}
	userID, secret, ok := a.credentials.Lookup(auth.accessKey)
	if !ok {
		return "", fmt.Errorf("unknown access key")
	}

	amzDate := r.Header.Get("X-Amz-Date")
	signedAt, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return userID, fmt.Errorf("invalid x-amz-date")
	}
	if d := a.now().Sub(signedAt); d > maxClockSkew || d < -maxClockSkew {
		return userID, fmt.Errorf("request time too skewed")
	}
	if !strings.HasPrefix(amzDate, auth.date) {
		return userID, fmt.Errorf("credential date does not match x-amz-date")
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	var canonical strings.Builder
	canonical.WriteString(r.Method + "\n")
	canonical.WriteString(uriEncode(r.URL.Path, false) + "\n")
	canonical.WriteString(canonicalQuery(r) + "\n")
	for _, h := range auth.signedHeaders {
		canonical.WriteString(h + ":" + canonicalHeaderValue(r, h) + "\n")
	}
	canonical.WriteString("\n")
	canonical.WriteString(strings.Join(auth.signedHeaders, ";") + "\n")
	canonical.WriteString(payloadHash)

	scope := strings.Join([]string{auth.date, auth.region, auth.service, "aws4_request"}, "/")
	crHash := sha256.Sum256([]byte(canonical.String()))
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(crHash[:])

	key := hmacSHA256([]byte("AWS4"+secret), auth.date)
	key = hmacSHA256(key, auth.region)
	key = hmacSHA256(key, auth.service)
	key = hmacSHA256(key, "aws4_request")
	expected := hex.EncodeToString(hmacSHA256(key, stringToSign))

	if !hmac.Equal([]byte(expected), []byte(auth.signature)) {
		return userID, fmt.Errorf("signature mismatch")
	}
	return userID, nil
}

// v2SubResources are the query parameters included in a V2 canonical resource.
var v2SubResources = map[string]bool{
	"acl": true, "delete": true, "location": true, "partNumber": true, "policy": true,
	"quota": true, "uploadId": true, "uploads": true, "versionId": true, "versioning": true,
	"versions": true,
}

func (a *StaticAuthorizer) verifyV2(r *http.Request, header string) (string, error) {
	accessKey, signature, ok := strings.Cut(strings.TrimPrefix(header, "AWS "), ":")
	if !ok {
		return "", fmt.Errorf("malformed authorization header")
	}
	userID, secret, ok := a.credentials.Lookup(accessKey)
	if !ok {
		return "", fmt.Errorf("unknown access key")
	}

	date := r.Header.Get("Date")
	if r.Header.Get("X-Amz-Date") != "" {
		date = ""
	}

	var amzHeaders []string
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-") {
			amzHeaders = append(amzHeaders, lk+":"+strings.Join(vs, ","))
		}
	}
	sort.Strings(amzHeaders)

	var sts strings.Builder
	sts.WriteString(r.Method + "\n")
	sts.WriteString(r.Header.Get("Content-Md5") + "\n")
	sts.WriteString(r.Header.Get("Content-Type") + "\n")
	sts.WriteString(date + "\n")
	for _, h := range amzHeaders {
		sts.WriteString(h + "\n")
	}
	sts.WriteString(r.URL.EscapedPath())

	var subs []string
	for k, vs := range r.URL.Query() {
		if !v2SubResources[k] {
			continue
		}
		if len(vs) == 0 || vs[0] == "" {
			subs = append(subs, k)
		} else {
			subs = append(subs, k+"="+vs[0])
		}
	}
	if len(subs) > 0 {
		sort.Strings(subs)
		sts.WriteString("?" + strings.Join(subs, "&"))
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(sts.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return userID, fmt.Errorf("signature mismatch")
	}
	return userID, nil
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func canonicalHeaderValue(r *http.Request, name string) string {
	switch name {
	case "host":
		return r.Host
	case "content-length":
		return strconv.FormatInt(r.ContentLength, 10)
	}
	vs := append([]string(nil), r.Header.Values(name)...)
	for i, v := range vs {
		vs[i] = strings.Join(strings.Fields(v), " ")
	}
	return strings.Join(vs, ",")
}

func canonicalQuery(r *http.Request) string {
	q := r.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes everything except unreserved characters, and
// '/' unless encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AllowAllAuthorizer is a test authorizer that allows all requests.
type AllowAllAuthorizer struct {
	UserID string
}

// AuthorizeRequest always allows the request.
func (a *AllowAllAuthorizer) AuthorizeRequest(r *http.Request, verb, resource, bucket, objectKey string) (string, error) {
	return a.UserID, nil
}
