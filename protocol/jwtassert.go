package protocol

import (
	"encoding/json"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
)

// InvalidAssertionErr is returned when a self-validating assertion fails
// signature or claim checks.
var InvalidAssertionErr = errors.New("assertion is not valid")

// JWTFactory issues signed assertions instead of opaque tickets. The proof
// travels with the token, so assertions are never stored: a grant mints and
// signs the assertion, and a validation verifies it locally.
type JWTFactory struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	nowFunc func() time.Time
}

type JWTFactoryOption func(*JWTFactory)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(nowFunc func() time.Time) JWTFactoryOption {
	return func(f *JWTFactory) {
		f.nowFunc = nowFunc
	}
}

// WithAssertionTTL overrides the default assertion lifetime.
func WithAssertionTTL(ttl time.Duration) JWTFactoryOption {
	return func(f *JWTFactory) {
		f.ttl = ttl
	}
}

func NewJWTFactory(secret []byte, issuer string, options ...JWTFactoryOption) (*JWTFactory, error) {
	if len(secret) == 0 {
		return nil, errors.New("[NewJWTFactory] signing secret is required")
	}

	f := &JWTFactory{
		secret:  secret,
		issuer:  issuer,
		ttl:     5 * time.Minute,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

var _ cas.ServiceAccessResponseFactory = (*JWTFactory)(nil)

func (f *JWTFactory) SupportsRequest(request cas.ProtocolRequest) bool {
	return request.Protocol() == session.ProtocolJWT
}

func (f *JWTFactory) SupportsAccess(access *session.Access) bool {
	return access.Protocol() == session.ProtocolJWT
}

func (f *JWTFactory) ServiceAccessResponse(params cas.ResponseParams) *cas.ServiceAccessResponse {
	response := &cas.ServiceAccessResponse{
		Session:                params.Session,
		Access:                 params.Access,
		AuthenticationResponse: params.AuthenticationResponse,
		RemainingAccesses:      params.RemainingAccesses,
		Err:                    params.Err,
		ContentType:            "application/jwt",
	}

	if request, ok := params.Request.(session.TokenRequest); ok {
		// Assertions are not in storage, so a not-found from the
		// orchestrator is the expected validation path.
		if params.Err != nil && !errors.Is(params.Err, cas.TokenNotFoundErr) {
			return response
		}
		claims, err := f.Verify(request.Token(), request.ServiceID())
		if err != nil {
			response.Err = err
			return response
		}
		response.Err = nil
		body, err := json.Marshal(claims)
		if err != nil {
			response.Err = errors.Wrap(err, "[JWTFactory.ServiceAccessResponse] encoding claims")
			return response
		}
		response.Body = body
		response.ContentType = "application/json"
		return response
	}

	if params.Err != nil || params.Session == nil || params.Access == nil {
		return response
	}

	assertion, err := f.sign(params.Session, params.Access)
	if err != nil {
		response.Err = err
		return response
	}
	response.Body = []byte(assertion)
	return response
}

func (f *JWTFactory) sign(sess *session.Session, access *session.Access) (string, error) {
	now := f.nowFunc()
	claims := jwtlib.MapClaims{
		"iss": f.issuer,
		"sub": sess.Principal().ID,
		"aud": access.ResourceID(),
		"iat": now.Unix(),
		"exp": now.Add(f.ttl).Unix(),
		"jti": uuid.New().String(),
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return "", errors.Wrap(err, "[JWTFactory.sign] signing assertion")
	}
	return signed, nil
}

// Verify checks the assertion signature, expiry and audience.
func (f *JWTFactory) Verify(rawToken, serviceID string) (jwtlib.MapClaims, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(f.nowFunc),
		jwtlib.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(rawToken, jwtlib.MapClaims{}, func(*jwtlib.Token) (any, error) {
		return f.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, InvalidAssertionErr
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, InvalidAssertionErr
	}

	if serviceID != "" {
		aud, _ := claims["aud"].(string)
		if aud != serviceID {
			return nil, InvalidAssertionErr
		}
	}
	return claims, nil
}
