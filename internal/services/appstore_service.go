package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt"

	"nutrioBack/internal/models"
)

const (
	appStoreProdBase    = "https://api.storekit.itunes.apple.com"
	appStoreSandboxBase = "https://api.storekit-sandbox.itunes.apple.com"
	appleJWKSURL        = "https://apple.com/.well-known/appstoreconnect/keys"

	// Short-lived view of a subscription chain. A forced resync drops it so
	// the next read hits Apple again.
	statusCacheTTL = 30 * time.Second
)

// Trust anchor for x5c-signed payloads. Transactions and notifications must
// chain to this root; the system pool is never consulted, so no other CA can
// mint a certificate that validates here.
var (
	appleRootCAG3PEM = []byte(`-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`)

	appleRootOnce sync.Once
	appleRootPool *x509.CertPool
	appleRootErr  error
)

type AppStoreConfig struct {
	IssuerID   string
	BundleID   string
	KeyID      string
	PrivateKey string

	// Optional: force sandbox ("sandbox") or production ("production").
	Environment string
	HTTPClient  *http.Client

	// Test overrides. Empty means the Apple defaults, including the pinned
	// Apple Root CA G3 trust anchor for x5c chains.
	BaseURL string
	JWKSURL string
	RootCAs *x509.CertPool
}

// AppStoreService is the App Store Server API client: JWS verification for
// transactions and notifications, latest-transaction reads, and live
// subscription status.
type AppStoreService struct {
	issuerID string
	bundleID string
	keyID    string
	key      *ecdsa.PrivateKey

	env     string
	baseURL string
	jwksURL string
	roots   *x509.CertPool
	client  *http.Client

	jwksMu     sync.Mutex
	jwks       *jose.JSONWebKeySet
	jwksExpiry time.Time

	statusMu    sync.Mutex
	statusCache map[string]statusCacheEntry
}

type statusCacheEntry struct {
	resp    statusResponse
	expires time.Time
}

func NewAppStoreService(cfg AppStoreConfig) (*AppStoreService, error) {
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, fmt.Errorf("app store: issuer_id, key_id and private_key are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	if env != "sandbox" {
		env = "production"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = appStoreProdBase
		if env == "sandbox" {
			baseURL = appStoreSandboxBase
		}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = appleJWKSURL
	}
	return &AppStoreService{
		issuerID:    strings.TrimSpace(cfg.IssuerID),
		bundleID:    strings.TrimSpace(cfg.BundleID),
		keyID:       strings.TrimSpace(cfg.KeyID),
		key:         key,
		env:         env,
		baseURL:     strings.TrimRight(baseURL, "/"),
		jwksURL:     jwksURL,
		roots:       cfg.RootCAs,
		client:      client,
		statusCache: make(map[string]statusCacheEntry),
	}, nil
}

// VerifyTransaction validates a signed transaction payload and returns the
// decoded claims. Any failure wraps models.ErrVerificationFailed so callers
// can tell a bad payload from infrastructure errors.
func (s *AppStoreService) VerifyTransaction(ctx context.Context, signed string) (models.AppleTransaction, error) {
	payload, err := s.verifyJWS(ctx, signed)
	if err != nil {
		return models.AppleTransaction{}, fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
	}
	var txn models.AppleTransaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return models.AppleTransaction{}, fmt.Errorf("%w: decode payload: %v", models.ErrVerificationFailed, err)
	}
	txn.Raw = signed
	if s.bundleID != "" && txn.BundleID != "" && txn.BundleID != s.bundleID {
		return models.AppleTransaction{}, fmt.Errorf("%w: bundle id mismatch: %s", models.ErrVerificationFailed, txn.BundleID)
	}
	if txn.Environment != "" && !strings.EqualFold(txn.Environment, s.env) {
		return models.AppleTransaction{}, fmt.Errorf("%w: environment mismatch: %s", models.ErrVerificationFailed, txn.Environment)
	}
	return txn, nil
}

// ParseNotification verifies signedPayload from App Store Server
// Notifications and returns the decoded envelope.
func (s *AppStoreService) ParseNotification(ctx context.Context, signedPayload string) (models.AppleNotification, error) {
	data, err := s.verifyJWS(ctx, signedPayload)
	if err != nil {
		return models.AppleNotification{}, fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
	}
	var notif models.AppleNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		return models.AppleNotification{}, fmt.Errorf("%w: decode notification: %v", models.ErrVerificationFailed, err)
	}
	notif.Raw = signedPayload
	if s.bundleID != "" && notif.Data.BundleID != "" && notif.Data.BundleID != s.bundleID {
		return models.AppleNotification{}, fmt.Errorf("%w: bundle id mismatch: %s", models.ErrVerificationFailed, notif.Data.BundleID)
	}
	return notif, nil
}

// DecodeSignedRenewalInfo verifies and decodes a signedRenewalInfo payload.
func (s *AppStoreService) DecodeSignedRenewalInfo(ctx context.Context, signedInfo string) (models.AppleRenewalInfo, error) {
	payload, err := s.verifyJWS(ctx, signedInfo)
	if err != nil {
		return models.AppleRenewalInfo{}, fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
	}
	var renewal models.AppleRenewalInfo
	if err := json.Unmarshal(payload, &renewal); err != nil {
		return models.AppleRenewalInfo{}, fmt.Errorf("%w: decode renewal info: %v", models.ErrVerificationFailed, err)
	}
	renewal.Raw = signedInfo
	return renewal, nil
}

// LatestSignedTransaction returns the signed transaction Apple currently
// considers latest in the chain, preferring the item whose decoded product
// matches productID. Right after a renewal this can still be the expired
// prior transaction; callers retry around that.
func (s *AppStoreService) LatestSignedTransaction(ctx context.Context, originalTransactionID, productID string) (string, error) {
	resp, err := s.subscriptionStatuses(ctx, originalTransactionID)
	if err != nil {
		return "", err
	}
	var fallback string
	for _, group := range resp.Data {
		for _, item := range group.LastTransactions {
			if item.SignedTransactionInfo == "" {
				continue
			}
			if fallback == "" {
				fallback = item.SignedTransactionInfo
			}
			txn, err := s.VerifyTransaction(ctx, item.SignedTransactionInfo)
			if err != nil {
				continue
			}
			if txn.ProductID == productID {
				return item.SignedTransactionInfo, nil
			}
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("app store: no transactions in chain %s", originalTransactionID)
	}
	return fallback, nil
}

// SubscriptionStatus returns the live renewal state for a chain.
func (s *AppStoreService) SubscriptionStatus(ctx context.Context, originalTransactionID string) (models.SubscriptionStatus, error) {
	resp, err := s.subscriptionStatuses(ctx, originalTransactionID)
	if err != nil {
		return models.SubscriptionStatus{}, err
	}
	for _, group := range resp.Data {
		for _, item := range group.LastTransactions {
			if item.OriginalTransactionID != originalTransactionID && len(group.LastTransactions) > 1 {
				continue
			}
			status := models.SubscriptionStatus{
				State:                 item.Status,
				OriginalTransactionID: originalTransactionID,
			}
			if item.SignedTransactionInfo != "" {
				if txn, err := s.VerifyTransaction(ctx, item.SignedTransactionInfo); err == nil {
					status.Transaction = &txn
				}
			}
			if item.SignedRenewalInfo != "" {
				if renewal, err := s.DecodeSignedRenewalInfo(ctx, item.SignedRenewalInfo); err == nil {
					status.RenewalInfo = &renewal
				}
			}
			return status, nil
		}
	}
	return models.SubscriptionStatus{}, fmt.Errorf("app store: no status for chain %s", originalTransactionID)
}

// InvalidateChain drops the cached view of a chain so the next read hits
// Apple again. This is the resync a purchase attempt forces.
func (s *AppStoreService) InvalidateChain(originalTransactionID string) {
	s.statusMu.Lock()
	delete(s.statusCache, originalTransactionID)
	s.statusMu.Unlock()
}

// TransactionInfo fetches and verifies the signed info for one transaction
// id. Used when a notification arrives without signedTransactionInfo.
func (s *AppStoreService) TransactionInfo(ctx context.Context, transactionID string) (models.AppleTransaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return models.AppleTransaction{}, fmt.Errorf("transaction_id is required")
	}
	token, err := s.signedToken()
	if err != nil {
		return models.AppleTransaction{}, err
	}
	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", s.baseURL, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.AppleTransaction{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.AppleTransaction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return models.AppleTransaction{}, fmt.Errorf("app store api: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.AppleTransaction{}, err
	}
	if strings.TrimSpace(body.SignedTransactionInfo) == "" {
		return models.AppleTransaction{}, errors.New("empty signedTransactionInfo")
	}
	txn, err := s.VerifyTransaction(ctx, body.SignedTransactionInfo)
	if err != nil {
		return models.AppleTransaction{}, err
	}
	if txn.TransactionID == "" {
		txn.TransactionID = transactionID
	}
	return txn, nil
}

type statusResponse struct {
	Environment string                  `json:"environment"`
	BundleID    string                  `json:"bundleId"`
	Data        []subscriptionGroupItem `json:"data"`
}

type subscriptionGroupItem struct {
	SubscriptionGroupIdentifier string                `json:"subscriptionGroupIdentifier"`
	LastTransactions            []lastTransactionItem `json:"lastTransactions"`
}

type lastTransactionItem struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	Status                int    `json:"status"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

func (s *AppStoreService) subscriptionStatuses(ctx context.Context, originalTransactionID string) (statusResponse, error) {
	if strings.TrimSpace(originalTransactionID) == "" {
		return statusResponse{}, fmt.Errorf("original_transaction_id is required")
	}

	s.statusMu.Lock()
	if entry, ok := s.statusCache[originalTransactionID]; ok && time.Now().Before(entry.expires) {
		s.statusMu.Unlock()
		return entry.resp, nil
	}
	s.statusMu.Unlock()

	token, err := s.signedToken()
	if err != nil {
		return statusResponse{}, err
	}
	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", s.baseURL, originalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return statusResponse{}, fmt.Errorf("app store api: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return statusResponse{}, err
	}

	s.statusMu.Lock()
	s.statusCache[originalTransactionID] = statusCacheEntry{resp: decoded, expires: time.Now().Add(statusCacheTTL)}
	s.statusMu.Unlock()
	return decoded, nil
}

func (s *AppStoreService) signedToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": s.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
	}
	if s.bundleID != "" {
		claims["bid"] = s.bundleID
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

func (s *AppStoreService) verifyJWS(ctx context.Context, token string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty signed payload")
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{
		jose.ES256,
	})
	if err != nil {
		return nil, err
	}

	if len(jws.Signatures) == 0 {
		return nil, errors.New("missing signature")
	}

	sig := jws.Signatures[0]

	// Device payloads and server notifications embed the x5c chain.
	if payload, err := s.verifyWithX5C(jws, sig.Header); err == nil {
		return payload, nil
	} else if !errors.Is(err, jose.ErrMissingX5cHeader) {
		return nil, err
	}

	// Fallback: App Store Server API signing keys.
	kid := sig.Header.KeyID
	key, err := s.lookupKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	payload, err := jws.Verify(&key)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *AppStoreService) verifyWithX5C(jws *jose.JSONWebSignature, header jose.Header) ([]byte, error) {
	roots := s.roots
	if roots == nil {
		var err error
		roots, err = appleRootCertPool()
		if err != nil {
			return nil, err
		}
	}
	// The default key usage check expects TLS server certs; Apple's signing
	// leaves carry no such usage.
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: time.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	chains, err := header.Certificates(opts)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, errors.New("apple jws: empty certificate chain")
	}
	leaf := chains[0][0]
	if leaf.PublicKey == nil {
		return nil, errors.New("apple jws: certificate missing public key")
	}
	return jws.Verify(leaf.PublicKey)
}

func (s *AppStoreService) lookupKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	set, err := s.fetchJWKS(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("apple jwk not found: %s", kid)
	}
	return keys[0], nil
}

func (s *AppStoreService) fetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	s.jwksMu.Lock()
	defer s.jwksMu.Unlock()

	if s.jwks != nil && time.Until(s.jwksExpiry) > 5*time.Minute {
		return s.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jwksURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("apple jwks: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	s.jwks = &set
	s.jwksExpiry = time.Now().Add(30 * time.Minute)
	return s.jwks, nil
}

func appleRootCertPool() (*x509.CertPool, error) {
	appleRootOnce.Do(func() {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(appleRootCAG3PEM) {
			appleRootErr = errors.New("apple jws: bad root certificate")
			return
		}
		appleRootPool = pool
	})
	return appleRootPool, appleRootErr
}
