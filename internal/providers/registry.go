package providers

import (
	"database/sql"
	"fmt"

	"github.com/mescon/Chronicarr/internal/crypto"
	"github.com/mescon/Chronicarr/internal/logger"
)

// Registry loads provider instances from the database and builds clients
// for them. Circuit breakers live here so a client rebuilt between syncs
// keeps its failure history.
type Registry struct {
	db       *sql.DB
	breakers *CircuitBreakerRegistry
}

// NewRegistry creates a registry backed by the given database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:       db,
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
	}
}

// BreakerStats exposes circuit breaker state for monitoring endpoints.
func (r *Registry) BreakerStats() map[string]CircuitBreakerStats {
	return r.breakers.AllStats()
}

// ResetBreaker resets the circuit breaker for one instance.
func (r *Registry) ResetBreaker(instanceName string) {
	r.breakers.Get(instanceName).Reset()
}

const instanceColumns = `id, name, provider_type, url, api_key, client_secret, access_token, refresh_token, enabled, recent_limit`

// EnabledInstances returns all enabled provider rows with secrets decrypted.
// Rows whose secrets cannot be decrypted are skipped rather than failing
// the whole sync.
func (r *Registry) EnabledInstances() ([]Instance, error) {
	return r.queryInstances("SELECT " + instanceColumns + " FROM providers WHERE enabled = 1 ORDER BY id")
}

// AllInstances returns every provider row with secrets decrypted.
func (r *Registry) AllInstances() ([]Instance, error) {
	return r.queryInstances("SELECT " + instanceColumns + " FROM providers ORDER BY id")
}

// InstanceByID returns one provider row with secrets decrypted.
func (r *Registry) InstanceByID(id int64) (*Instance, error) {
	row := r.db.QueryRow("SELECT "+instanceColumns+" FROM providers WHERE id = ?", id)
	inst, err := scanInstance(row.Scan)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ClientFor builds a provider client for an instance.
func (r *Registry) ClientFor(inst Instance) (Client, error) {
	breaker := r.breakers.Get(inst.Name)
	switch inst.Type {
	case TypeJellyfin:
		return NewJellyfinClient(inst, breaker), nil
	case TypePlex:
		return NewPlexClient(inst, breaker), nil
	case TypeTrakt:
		return NewTraktClient(inst, breaker), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", inst.Type)
	}
}

// EnabledClients builds clients for every enabled instance. An instance
// whose client cannot be built is logged and skipped.
func (r *Registry) EnabledClients() ([]Client, error) {
	instances, err := r.EnabledInstances()
	if err != nil {
		return nil, err
	}
	clients := make([]Client, 0, len(instances))
	for _, inst := range instances {
		client, err := r.ClientFor(inst)
		if err != nil {
			logger.Errorf("Skipping provider %s: %v", inst.Name, err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func (r *Registry) queryInstances(query string) ([]Instance, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			logger.Errorf("Skipping provider row: %v", err)
			continue
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}
	return instances, nil
}

func scanInstance(scan func(...interface{}) error) (*Instance, error) {
	var inst Instance
	var apiKey, clientSecret, accessToken, refreshToken sql.NullString
	if err := scan(&inst.ID, &inst.Name, &inst.Type, &inst.URL,
		&apiKey, &clientSecret, &accessToken, &refreshToken,
		&inst.Enabled, &inst.RecentLimit); err != nil {
		return nil, err
	}

	var err error
	if inst.APIKey, err = decryptSecret(apiKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt api_key for provider %d: %w", inst.ID, err)
	}
	if inst.ClientSecret, err = decryptSecret(clientSecret); err != nil {
		return nil, fmt.Errorf("failed to decrypt client_secret for provider %d: %w", inst.ID, err)
	}
	if inst.AccessToken, err = decryptSecret(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access_token for provider %d: %w", inst.ID, err)
	}
	if inst.RefreshToken, err = decryptSecret(refreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh_token for provider %d: %w", inst.ID, err)
	}
	return &inst, nil
}

func decryptSecret(v sql.NullString) (string, error) {
	if !v.Valid || v.String == "" {
		return "", nil
	}
	return crypto.Decrypt(v.String)
}
