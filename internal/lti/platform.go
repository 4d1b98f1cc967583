package lti

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

/*
Platform registry.

A Platform row is the trust anchor for one LMS registration: the pair
(issuer, client_id) is unique and is the only thing token verification keys
off. Rows are written by the admin API and read-only to the protocol engine.

Registry implementations:
  • StaticRegistry  — in-memory map (tests, single-platform dev setups)
  • SQLRegistry     — sqlite/postgres backed, shared across instances
*/

// ErrPlatformNotFound is internal; callers of the engine only ever see
// ErrAuthentication so lookup and authorization failures are not
// distinguishable from outside.
var ErrPlatformNotFound = errors.New("lti: platform not found")

// Platform is one registered LMS platform.
type Platform struct {
	Issuer        string            `json:"issuer"`
	ClientID      string            `json:"client_id"`
	AuthLoginURL  string            `json:"auth_login_url"`
	AuthTokenURL  string            `json:"auth_token_url"`
	KeySetURL     string            `json:"key_set_url"`
	ToolJWKSURL   string            `json:"tool_jwks_url,omitempty"`
	DeploymentIDs []string          `json:"deployment_ids"`
	CustomParams  map[string]string `json:"custom_params,omitempty"`
	Active        bool              `json:"active"`
	GroupID       string            `json:"group_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Authorizes reports whether a launch carrying deploymentID may proceed.
// A platform with no declared deployment list accepts the id (the validator
// records it); a declared list is exhaustive.
func (p Platform) Authorizes(deploymentID string) bool {
	if !p.Active {
		return false
	}
	if len(p.DeploymentIDs) == 0 {
		return deploymentID != ""
	}
	for _, id := range p.DeploymentIDs {
		if id == deploymentID {
			return true
		}
	}
	return false
}

// Registry is the single authoritative platform lookup.
type Registry interface {
	// Lookup resolves the trust anchor. Returns ErrPlatformNotFound when no
	// registration matches; callers must fold that into ErrAuthentication
	// before anything leaves the engine.
	Lookup(ctx context.Context, issuer, clientID string) (Platform, error)

	// ActiveGroups lists group ids that have at least one active platform.
	// The tool JWKS endpoint publishes one key set entry per such group.
	ActiveGroups(ctx context.Context) ([]string, error)
}

/* ------------------------------ static ------------------------------------ */

// StaticRegistry serves a fixed platform set from memory.
type StaticRegistry struct {
	byKey map[string]Platform
}

func NewStaticRegistry(platforms ...Platform) *StaticRegistry {
	r := &StaticRegistry{byKey: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		r.byKey[p.Issuer+"\x00"+p.ClientID] = p
	}
	return r
}

func (r *StaticRegistry) Lookup(_ context.Context, issuer, clientID string) (Platform, error) {
	p, ok := r.byKey[issuer+"\x00"+clientID]
	if !ok {
		return Platform{}, ErrPlatformNotFound
	}
	return p, nil
}

// LookupIssuer resolves an issuer with exactly one active registration.
func (r *StaticRegistry) LookupIssuer(_ context.Context, issuer string) (Platform, error) {
	var found Platform
	n := 0
	for _, p := range r.byKey {
		if p.Issuer == issuer && p.Active {
			found = p
			n++
		}
	}
	if n != 1 {
		return Platform{}, ErrPlatformNotFound
	}
	return found, nil
}

func (r *StaticRegistry) ActiveGroups(_ context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range r.byKey {
		if !p.Active {
			continue
		}
		if _, ok := seen[p.GroupID]; ok {
			continue
		}
		seen[p.GroupID] = struct{}{}
		out = append(out, p.GroupID)
	}
	return out, nil
}

/* -------------------------------- SQL ------------------------------------- */

// SQLRegistry reads and writes lti_platforms. The engine uses only the
// Registry half; the admin API uses the CRUD half.
type SQLRegistry struct {
	db *sql.DB
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

const platformColumns = `issuer, client_id, auth_login_url, auth_token_url, key_set_url,
	tool_jwks_url, deployment_ids, custom_params, active, group_id, created_at`

func (r *SQLRegistry) Lookup(ctx context.Context, issuer, clientID string) (Platform, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms WHERE issuer=$1 AND client_id=$2`,
		issuer, clientID)
	return scanPlatform(row)
}

// LookupIssuer resolves an issuer with exactly one active registration.
// Ambiguous issuers (several client ids) require client_id on the login
// initiation and so fail here.
func (r *SQLRegistry) LookupIssuer(ctx context.Context, issuer string) (Platform, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms WHERE issuer=$1 AND active=TRUE LIMIT 2`,
		issuer)
	if err != nil {
		return Platform{}, err
	}
	defer rows.Close()
	var found []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return Platform{}, err
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return Platform{}, err
	}
	if len(found) != 1 {
		return Platform{}, ErrPlatformNotFound
	}
	return found[0], nil
}

func (r *SQLRegistry) ActiveGroups(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT group_id FROM lti_platforms WHERE active=TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) Create(ctx context.Context, p Platform) error {
	if err := validatePlatform(p); err != nil {
		return err
	}
	dep, cus, err := marshalPlatformJSON(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO lti_platforms (`+platformColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.Issuer, p.ClientID, p.AuthLoginURL, p.AuthTokenURL, p.KeySetURL,
		p.ToolJWKSURL, dep, cus, p.Active, p.GroupID, time.Now().Unix())
	return err
}

func (r *SQLRegistry) Update(ctx context.Context, p Platform) error {
	if err := validatePlatform(p); err != nil {
		return err
	}
	dep, cus, err := marshalPlatformJSON(p)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE lti_platforms SET auth_login_url=$1, auth_token_url=$2, key_set_url=$3,
		 tool_jwks_url=$4, deployment_ids=$5, custom_params=$6, active=$7, group_id=$8
		 WHERE issuer=$9 AND client_id=$10`,
		p.AuthLoginURL, p.AuthTokenURL, p.KeySetURL,
		p.ToolJWKSURL, dep, cus, p.Active, p.GroupID, p.Issuer, p.ClientID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPlatformNotFound
	}
	return nil
}

func (r *SQLRegistry) Delete(ctx context.Context, issuer, clientID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM lti_platforms WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPlatformNotFound
	}
	return nil
}

func (r *SQLRegistry) List(ctx context.Context, offset, limit int) ([]Platform, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms ORDER BY issuer, client_id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlatform(row rowScanner) (Platform, error) {
	var p Platform
	var dep, cus string
	var created int64
	err := row.Scan(&p.Issuer, &p.ClientID, &p.AuthLoginURL, &p.AuthTokenURL, &p.KeySetURL,
		&p.ToolJWKSURL, &dep, &cus, &p.Active, &p.GroupID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Platform{}, ErrPlatformNotFound
		}
		return Platform{}, err
	}
	if err := json.Unmarshal([]byte(dep), &p.DeploymentIDs); err != nil {
		return Platform{}, fmt.Errorf("platform %s deployment_ids: %w", p.Issuer, err)
	}
	if err := json.Unmarshal([]byte(cus), &p.CustomParams); err != nil {
		return Platform{}, fmt.Errorf("platform %s custom_params: %w", p.Issuer, err)
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

func marshalPlatformJSON(p Platform) (deploymentIDs, customParams string, err error) {
	if p.DeploymentIDs == nil {
		p.DeploymentIDs = []string{}
	}
	if p.CustomParams == nil {
		p.CustomParams = map[string]string{}
	}
	db, err := json.Marshal(p.DeploymentIDs)
	if err != nil {
		return "", "", err
	}
	cb, err := json.Marshal(p.CustomParams)
	if err != nil {
		return "", "", err
	}
	return string(db), string(cb), nil
}

func validatePlatform(p Platform) error {
	switch {
	case strings.TrimSpace(p.Issuer) == "":
		return fmt.Errorf("%w: issuer required", ErrConfiguration)
	case strings.TrimSpace(p.ClientID) == "":
		return fmt.Errorf("%w: client_id required", ErrConfiguration)
	case !isHTTPURL(p.AuthLoginURL):
		return fmt.Errorf("%w: auth_login_url must be http(s)", ErrConfiguration)
	case !isHTTPURL(p.KeySetURL):
		return fmt.Errorf("%w: key_set_url must be http(s)", ErrConfiguration)
	}
	return nil
}
