// Package session performs the login exchange that opens an import session.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/transport"
)

// Defaults for the import service.
const (
	DefaultImportPath = "/SpatialKeyFramework/dataImportAPI"
	DefaultCookieName = "JSESSIONID"
)

// passwordParam is masked wherever the login URL is logged.
const passwordParam = "password"

// Config names the login endpoint and the session cookie.
type Config struct {
	ImportPath string
	CookieName string
}

// Doer sends transport requests.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (transport.Response, error)
}

// Authenticator implements importer.Authenticator.
type Authenticator struct {
	cfg      Config
	client   Doer
	resolver importer.Resolver
	logger   *zap.Logger
}

var _ importer.Authenticator = (*Authenticator)(nil)

// New builds an Authenticator. resolver serves calls made without a cluster.
func New(cfg Config, client Doer, resolver importer.Resolver, logger *zap.Logger) *Authenticator {
	if cfg.ImportPath == "" {
		cfg.ImportPath = DefaultImportPath
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{cfg: cfg, client: client, resolver: resolver, logger: logger}
}

// LoginURL builds the login address. Parameters keep the order action, orgName, user,
// password.
func (a *Authenticator) LoginURL(cluster importer.ClusterInfo, creds importer.Credentials) string {
	return cluster.BaseURL() + a.cfg.ImportPath + "?" + transport.Query(
		"action", "login",
		"orgName", creds.OrganizationID,
		"user", creds.UserName,
		passwordParam, creds.Password,
	)
}

// Authenticate logs in and returns the session cookie value. A nil cluster is resolved
// first and the resolved value is written back through the pointer, so callers can cache
// it. Any status other than 200, or a reply without the session cookie, fails with
// importer.ErrAuthentication. Nothing is retried.
func (a *Authenticator) Authenticate(
	ctx context.Context,
	cluster *importer.ClusterInfo,
	creds importer.Credentials,
) (importer.Session, error) {
	target, err := a.cluster(ctx, cluster, creds.OrganizationID)
	if err != nil {
		return importer.Session{}, err
	}

	loginURL := a.LoginURL(target, creds)
	req := transport.Get(loginURL).WithSensitive(passwordParam)
	a.logger.Info("authenticating",
		zap.String("organization", creds.OrganizationID),
		zap.String("url", req.RedactedURL()),
	)

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return importer.Session{}, fmt.Errorf("%w: %w", importer.ErrAuthentication, err)
	}
	if !resp.OK() {
		return importer.Session{}, fmt.Errorf("%w: login returned status %d: %s",
			importer.ErrAuthentication, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	cookie, ok := resp.Cookie(a.cfg.CookieName)
	if !ok || cookie.Value == "" {
		return importer.Session{}, fmt.Errorf("%w: login response has no %s cookie",
			importer.ErrAuthentication, a.cfg.CookieName)
	}

	a.logger.Debug("session opened",
		zap.String("organization", creds.OrganizationID),
		zap.String("host", target.Host),
	)
	return importer.Session{
		Token:      cookie.Value,
		CookieName: a.cfg.CookieName,
		Cluster:    target,
	}, nil
}

func (a *Authenticator) cluster(
	ctx context.Context,
	cluster *importer.ClusterInfo,
	organizationID string,
) (importer.ClusterInfo, error) {
	if cluster != nil && cluster.Host != "" {
		if err := cluster.Validate(); err != nil {
			return importer.ClusterInfo{}, fmt.Errorf("%w: %w", importer.ErrAuthentication, err)
		}
		return *cluster, nil
	}
	if a.resolver == nil {
		return importer.ClusterInfo{}, fmt.Errorf("%w: no cluster and no resolver", importer.ErrAuthentication)
	}
	resolved, err := a.resolver.Resolve(ctx, organizationID)
	if err != nil {
		return importer.ClusterInfo{}, err
	}
	if cluster != nil {
		*cluster = resolved
	}
	return resolved, nil
}
