package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"nutrioBack/internal/models"
)

const testSigningKID = "APPLE-TEST-KEY"

type appleStub struct {
	key    *ecdsa.PrivateKey
	signer jose.Signer

	jwksServer *httptest.Server
	apiServer  *httptest.Server

	statusBody  func() statusResponse
	statusCalls int64
	jwksCalls   int64
}

func newAppleStub(t *testing.T) *appleStub {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	opts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("kid"), testSigningKID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	stub := &appleStub{key: key, signer: signer}

	stub.jwksServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&stub.jwksCalls, 1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     testSigningKID,
			Algorithm: "ES256",
			Use:       "sig",
		}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(stub.jwksServer.Close)

	stub.apiServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/inApps/v1/subscriptions/"):
			atomic.AddInt64(&stub.statusCalls, 1)
			if stub.statusBody == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(stub.statusBody())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stub.apiServer.Close)

	return stub
}

func (a *appleStub) sign(t *testing.T, v any) string {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	obj, err := a.signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize jws: %v", err)
	}
	return compact
}

func (a *appleStub) service(t *testing.T) *AppStoreService {
	return a.serviceWithRoots(t, nil)
}

func (a *appleStub) serviceWithRoots(t *testing.T, roots *x509.CertPool) *AppStoreService {
	t.Helper()

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(clientKey)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	svc, err := NewAppStoreService(AppStoreConfig{
		IssuerID:    "issuer-1",
		BundleID:    "com.nutrio.app",
		KeyID:       "client-key-1",
		PrivateKey:  string(pemKey),
		Environment: "production",
		BaseURL:     a.apiServer.URL,
		JWKSURL:     a.jwksServer.URL,
		RootCAs:     roots,
	})
	if err != nil {
		t.Fatalf("new app store service: %v", err)
	}
	return svc
}

// certChain is a throwaway CA plus a signing leaf for exercising the x5c
// verification path.
type certChain struct {
	leafKey *ecdsa.PrivateKey
	x5c     []string
	pool    *x509.CertPool
}

func newCertChain(t *testing.T, authority string) *certChain {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: authority},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse ca certificate: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: authority + " Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &certChain{
		leafKey: leafKey,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(caDER),
		},
		pool: pool,
	}
}

func (c *certChain) sign(t *testing.T, v any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("x5c"), c.x5c)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: c.leafKey}, opts)
	if err != nil {
		t.Fatalf("new x5c signer: %v", err)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize jws: %v", err)
	}
	return compact
}

func stubTransaction(productID string, purchased, expires time.Time) models.AppleTransaction {
	return models.AppleTransaction{
		TransactionID:         "7000001",
		OriginalTransactionID: "7000000",
		ProductID:             productID,
		BundleID:              "com.nutrio.app",
		PurchaseDate:          purchased.UnixMilli(),
		OriginalPurchaseDate:  purchased.UnixMilli(),
		ExpiresDate:           expires.UnixMilli(),
		Environment:           "Production",
	}
}

func TestVerifyTransaction(t *testing.T) {
	stub := newAppleStub(t)
	svc := stub.service(t)
	now := time.Now().UTC()

	t.Run("valid payload decodes", func(t *testing.T) {
		signed := stub.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(30*24*time.Hour)))

		txn, err := svc.VerifyTransaction(context.Background(), signed)
		if err != nil {
			t.Fatalf("VerifyTransaction: %v", err)
		}
		if txn.ProductID != "nutrio.premium.monthly" {
			t.Errorf("product = %s; want nutrio.premium.monthly", txn.ProductID)
		}
		if txn.OriginalTransactionID != "7000000" {
			t.Errorf("original transaction = %s; want 7000000", txn.OriginalTransactionID)
		}
		if txn.Raw != signed {
			t.Error("raw payload not retained")
		}
	})

	t.Run("bundle mismatch rejected", func(t *testing.T) {
		txn := stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour))
		txn.BundleID = "com.other.app"
		_, err := svc.VerifyTransaction(context.Background(), stub.sign(t, txn))
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})

	t.Run("environment mismatch rejected", func(t *testing.T) {
		txn := stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour))
		txn.Environment = "Sandbox"
		_, err := svc.VerifyTransaction(context.Background(), stub.sign(t, txn))
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := svc.VerifyTransaction(context.Background(), "not-a-jws")
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})

	t.Run("forged signature rejected", func(t *testing.T) {
		otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		opts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("kid"), testSigningKID)
		forger, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: otherKey}, opts)
		if err != nil {
			t.Fatalf("new signer: %v", err)
		}
		payload, _ := json.Marshal(stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour)))
		obj, err := forger.Sign(payload)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		forged, _ := obj.CompactSerialize()

		_, err = svc.VerifyTransaction(context.Background(), forged)
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})
}

func TestVerifyTransactionX5C(t *testing.T) {
	stub := newAppleStub(t)
	now := time.Now().UTC()

	chain := newCertChain(t, "Nutrio Test Root")
	svc := stub.serviceWithRoots(t, chain.pool)

	t.Run("trusted chain accepted without jwks", func(t *testing.T) {
		signed := chain.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(30*24*time.Hour)))

		txn, err := svc.VerifyTransaction(context.Background(), signed)
		if err != nil {
			t.Fatalf("VerifyTransaction: %v", err)
		}
		if txn.ProductID != "nutrio.premium.monthly" {
			t.Errorf("product = %s; want nutrio.premium.monthly", txn.ProductID)
		}
		if calls := atomic.LoadInt64(&stub.jwksCalls); calls != 0 {
			t.Errorf("jwks fetched %d times; the certificate chain carries the key", calls)
		}
	})

	t.Run("chain from unknown authority rejected", func(t *testing.T) {
		forger := newCertChain(t, "Untrusted Root")
		signed := forger.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour)))

		_, err := svc.VerifyTransaction(context.Background(), signed)
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})

	t.Run("default trust anchor ignores local authorities", func(t *testing.T) {
		// No RootCAs override: only the pinned Apple root may anchor a
		// chain, so even a self-consistent local chain must fail.
		plain := stub.service(t)
		signed := chain.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour)))

		_, err := plain.VerifyTransaction(context.Background(), signed)
		if !errors.Is(err, models.ErrVerificationFailed) {
			t.Fatalf("err = %v; want ErrVerificationFailed", err)
		}
	})
}

func TestAppleRootCertPool(t *testing.T) {
	pool, err := appleRootCertPool()
	if err != nil {
		t.Fatalf("appleRootCertPool: %v", err)
	}
	if pool == nil {
		t.Fatal("expected a non-nil pinned pool")
	}
}

func TestParseNotification(t *testing.T) {
	stub := newAppleStub(t)
	svc := stub.service(t)
	now := time.Now().UTC()

	signedTxn := stub.sign(t, stubTransaction("nutrio.premium.yearly", now, now.Add(365*24*time.Hour)))
	notif := models.AppleNotification{
		NotificationType: "DID_RENEW",
		NotificationUUID: "uuid-123",
		Version:          "2.0",
	}
	notif.Data.BundleID = "com.nutrio.app"
	notif.Data.Environment = "Production"
	notif.Data.SignedTransactionInfo = signedTxn

	decoded, err := svc.ParseNotification(context.Background(), stub.sign(t, notif))
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if decoded.NotificationType != "DID_RENEW" {
		t.Errorf("type = %s; want DID_RENEW", decoded.NotificationType)
	}
	if decoded.Data.SignedTransactionInfo != signedTxn {
		t.Error("inner signed transaction not preserved")
	}

	txn, err := svc.VerifyTransaction(context.Background(), decoded.Data.SignedTransactionInfo)
	if err != nil {
		t.Fatalf("verify inner transaction: %v", err)
	}
	if txn.ProductID != "nutrio.premium.yearly" {
		t.Errorf("inner product = %s; want nutrio.premium.yearly", txn.ProductID)
	}
}

func TestLatestSignedTransaction(t *testing.T) {
	stub := newAppleStub(t)
	svc := stub.service(t)
	now := time.Now().UTC()

	monthly := stub.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(30*24*time.Hour)))
	yearlyTxn := stubTransaction("nutrio.premium.yearly", now, now.Add(365*24*time.Hour))
	yearlyTxn.OriginalTransactionID = "7000009"
	yearly := stub.sign(t, yearlyTxn)

	stub.statusBody = func() statusResponse {
		return statusResponse{Data: []subscriptionGroupItem{{
			SubscriptionGroupIdentifier: "group-1",
			LastTransactions: []lastTransactionItem{
				{OriginalTransactionID: "7000000", Status: 1, SignedTransactionInfo: monthly},
				{OriginalTransactionID: "7000009", Status: 1, SignedTransactionInfo: yearly},
			},
		}}}
	}

	got, err := svc.LatestSignedTransaction(context.Background(), "7000009", "nutrio.premium.yearly")
	if err != nil {
		t.Fatalf("LatestSignedTransaction: %v", err)
	}
	if got != yearly {
		t.Error("expected the yearly chain's signed transaction")
	}
}

func TestSubscriptionStatus(t *testing.T) {
	stub := newAppleStub(t)
	svc := stub.service(t)
	now := time.Now().UTC()

	signedTxn := stub.sign(t, stubTransaction("nutrio.premium.monthly", now.Add(-31*24*time.Hour), now.Add(-24*time.Hour)))
	renewal := models.AppleRenewalInfo{
		OriginalTransactionID: "7000000",
		AutoRenewStatus:       1,
		IsInBillingRetry:      true,
		Environment:           "Production",
	}
	signedRenewal := stub.sign(t, renewal)

	stub.statusBody = func() statusResponse {
		return statusResponse{Data: []subscriptionGroupItem{{
			LastTransactions: []lastTransactionItem{{
				OriginalTransactionID: "7000000",
				Status:                models.SubscriptionStateBillingRetry,
				SignedTransactionInfo: signedTxn,
				SignedRenewalInfo:     signedRenewal,
			}},
		}}}
	}

	status, err := svc.SubscriptionStatus(context.Background(), "7000000")
	if err != nil {
		t.Fatalf("SubscriptionStatus: %v", err)
	}
	if status.State != models.SubscriptionStateBillingRetry {
		t.Errorf("state = %d; want billing retry", status.State)
	}
	if !status.PaymentPending() {
		t.Error("billing retry should count as payment pending")
	}
	if status.Transaction == nil || status.Transaction.ProductID != "nutrio.premium.monthly" {
		t.Error("expected decoded transaction on status")
	}
	if status.RenewalInfo == nil || !status.RenewalInfo.IsInBillingRetry {
		t.Error("expected decoded renewal info on status")
	}
}

func TestStatusCacheInvalidation(t *testing.T) {
	stub := newAppleStub(t)
	svc := stub.service(t)
	now := time.Now().UTC()

	signedTxn := stub.sign(t, stubTransaction("nutrio.premium.monthly", now, now.Add(time.Hour)))
	stub.statusBody = func() statusResponse {
		return statusResponse{Data: []subscriptionGroupItem{{
			LastTransactions: []lastTransactionItem{
				{OriginalTransactionID: "7000000", Status: 1, SignedTransactionInfo: signedTxn},
			},
		}}}
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.SubscriptionStatus(context.Background(), "7000000"); err != nil {
			t.Fatalf("SubscriptionStatus #%d: %v", i, err)
		}
	}
	if calls := atomic.LoadInt64(&stub.statusCalls); calls != 1 {
		t.Fatalf("api calls = %d; want 1 (cached)", calls)
	}

	svc.InvalidateChain("7000000")
	if _, err := svc.SubscriptionStatus(context.Background(), "7000000"); err != nil {
		t.Fatalf("SubscriptionStatus after invalidate: %v", err)
	}
	if calls := atomic.LoadInt64(&stub.statusCalls); calls != 2 {
		t.Fatalf("api calls = %d; want 2 after invalidate", calls)
	}
}

func TestNewAppStoreServiceValidation(t *testing.T) {
	_, err := NewAppStoreService(AppStoreConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	_, err = NewAppStoreService(AppStoreConfig{IssuerID: "i", KeyID: "k", PrivateKey: "not a pem"})
	if err == nil {
		t.Fatal("expected error for malformed private key")
	}
	if !strings.Contains(fmt.Sprint(err), "private key") {
		t.Errorf("err = %v; want private key parse error", err)
	}
}
