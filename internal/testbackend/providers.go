package testbackend

import (
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-manager/identity"
	interrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/token/jwt"
	"github.com/jrsteele09/go-session-manager/token/keys"
	"github.com/pkg/errors"
)

// ProviderClientID is the audience of the id-tokens the built-in providers issue.
const ProviderClientID = "session-manager"

// providerIssuer plays a sign-in provider: it signs id-tokens and publishes
// the keys needed to check them.
type providerIssuer struct {
	issuer    string
	keyPair   *keys.KeyPair
	signer    *keys.KeyPairSigner
	creator   *jwt.Creator
	inspector *jwt.Inspector
}

type discoveryDocument struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	IDTokenSigningAlgs     []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`
	ResponseTypesSupported []string `json:"response_types_supported"`
}

// IssuerURL is the OpenID issuer of provider p. The backend must be started.
func (b *Backend) IssuerURL(p identity.Provider) string {
	return b.server.URL + "/providers/" + string(p)
}

// IssueIDToken signs an id-token from provider p for the account email.
// The backend accepts it in exchange until it expires.
func (b *Backend) IssueIDToken(p identity.Provider, email string) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	acc, ok := b.accounts[strings.ToLower(email)]
	if !ok {
		return "", interrors.ErrUserNotFound
	}
	pi, err := b.issuerLocked(p)
	if err != nil {
		return "", err
	}
	return pi.creator.CreateIDToken(acc.user, ProviderClientID, "")
}

// ProviderKeyPEM exports the private key provider p signs with, so a later
// backend can be given the same key with WithProviderKey.
func (b *Backend) ProviderKeyPEM(p identity.Provider) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	pi, err := b.issuerLocked(p)
	if err != nil {
		return "", err
	}
	return pi.keyPair.ExportPrivateKeyPEM()
}

// issuerLocked returns the issuer for p, creating its key on first use unless
// one was configured.
func (b *Backend) issuerLocked(p identity.Provider) (*providerIssuer, error) {
	if pi, ok := b.issuers[p]; ok {
		return pi, nil
	}
	if b.server == nil {
		return nil, errors.New("[Backend.issuerLocked] backend not started")
	}
	if _, known := b.idTokens[p]; !known {
		return nil, errors.Errorf("[Backend.issuerLocked] unknown provider %q", p)
	}

	keyPair, ok := b.providerKeys[p]
	if !ok {
		var err error
		keyPair, err = keys.GenerateRSAKeyPair(string(p)+"-1", 2048)
		if err != nil {
			return nil, errors.Wrap(err, "[Backend.issuerLocked] generate key")
		}
	}
	signer := keys.NewKeyPairSigner(keyPair)
	issuer := b.IssuerURL(p)

	pi := &providerIssuer{
		issuer:    issuer,
		keyPair:   keyPair,
		signer:    signer,
		creator:   jwt.NewCreator(issuer, signer, jwt.WithNowFunc(b.nowFunc)),
		inspector: jwt.NewInspector(issuer, ProviderClientID, signer, b.nowFunc),
	}
	b.issuers[p] = pi
	return pi, nil
}

// idTokenEmailLocked resolves an id-token to an account email, first from the
// registered opaque tokens, then by verifying it as a signed provider token.
func (b *Backend) idTokenEmailLocked(p identity.Provider, idToken string) (string, bool) {
	if email, ok := b.idTokens[p][idToken]; ok {
		return email, true
	}
	pi, ok := b.issuers[p]
	if !ok {
		return "", false
	}
	result, err := pi.inspector.Introspect(idToken)
	if err != nil || !result.Active {
		b.log.Debug().Err(err).Str("provider", string(p)).Msg("Rejected id-token")
		return "", false
	}
	return result.Email, true
}

func (b *Backend) discoveryHandler(w http.ResponseWriter, r *http.Request) {
	b.lock.Lock()
	pi, err := b.issuerLocked(identity.Provider(r.PathValue("provider")))
	b.lock.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                 pi.issuer,
		AuthorizationEndpoint:  pi.issuer + "/authorize",
		TokenEndpoint:          pi.issuer + "/token",
		JWKSURI:                pi.issuer + "/jwks",
		IDTokenSigningAlgs:     []string{keys.RS256},
		SubjectTypesSupported:  []string{"public"},
		ResponseTypesSupported: []string{"id_token"},
	})
}

func (b *Backend) jwksHandler(w http.ResponseWriter, r *http.Request) {
	b.lock.Lock()
	pi, err := b.issuerLocked(identity.Provider(r.PathValue("provider")))
	b.lock.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	jwks, err := pi.signer.GetJWKS()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jwks)
}
