package storage

import (
	"encoding/json"
	"fmt"

	"github.com/clawlets/clawlets/pkg/types"
)

// Metadata tables filled by runner sync. Rows are keyed by project plus
// their natural name so a sync batch is a set of upserts and a project
// wipe is one prefix delete.

// Host operations

func (tx *Tx) PutHost(host *types.HostRow) error {
	key := compositeKey([]byte(host.ProjectID), []byte(host.HostName))
	return putJSON(tx.bucket(bucketHosts), key, host)
}

func (tx *Tx) GetHost(projectID, hostName string) (*types.HostRow, error) {
	var host types.HostRow
	key := compositeKey([]byte(projectID), []byte(hostName))
	if err := getJSON(tx.bucket(bucketHosts), key, &host); err != nil {
		return nil, fmt.Errorf("host %s/%s: %w", projectID, hostName, err)
	}
	return &host, nil
}

func (tx *Tx) ListHostsByProject(projectID string) ([]*types.HostRow, error) {
	var hosts []*types.HostRow
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketHosts), prefix, func(k, v []byte) (bool, error) {
		var host types.HostRow
		if err := json.Unmarshal(v, &host); err != nil {
			return false, err
		}
		hosts = append(hosts, &host)
		return true, nil
	})
	return hosts, err
}

func (tx *Tx) DeleteHost(projectID, hostName string) error {
	key := compositeKey([]byte(projectID), []byte(hostName))
	return tx.bucket(bucketHosts).Delete(key)
}

func (tx *Tx) DeleteHostsByProject(projectID string, max int) (int, error) {
	prefix := compositeKey([]byte(projectID), nil)
	return deletePrefix(tx.bucket(bucketHosts), prefix, max, nil)
}

// Gateway operations. A gateway is identified within a project by the
// host it belongs to plus its own ID.

func (tx *Tx) PutGateway(gw *types.GatewayRow) error {
	key := compositeKey([]byte(gw.ProjectID), []byte(gw.HostName), []byte(gw.GatewayID))
	return putJSON(tx.bucket(bucketGateways), key, gw)
}

func (tx *Tx) GetGateway(projectID, hostName, gatewayID string) (*types.GatewayRow, error) {
	var gw types.GatewayRow
	key := compositeKey([]byte(projectID), []byte(hostName), []byte(gatewayID))
	if err := getJSON(tx.bucket(bucketGateways), key, &gw); err != nil {
		return nil, fmt.Errorf("gateway %s/%s/%s: %w", projectID, hostName, gatewayID, err)
	}
	return &gw, nil
}

func (tx *Tx) ListGatewaysByProject(projectID string) ([]*types.GatewayRow, error) {
	var gws []*types.GatewayRow
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketGateways), prefix, func(k, v []byte) (bool, error) {
		var gw types.GatewayRow
		if err := json.Unmarshal(v, &gw); err != nil {
			return false, err
		}
		gws = append(gws, &gw)
		return true, nil
	})
	return gws, err
}

func (tx *Tx) DeleteGateway(projectID, hostName, gatewayID string) error {
	key := compositeKey([]byte(projectID), []byte(hostName), []byte(gatewayID))
	return tx.bucket(bucketGateways).Delete(key)
}

func (tx *Tx) DeleteGatewaysByProject(projectID string, max int) (int, error) {
	prefix := compositeKey([]byte(projectID), nil)
	return deletePrefix(tx.bucket(bucketGateways), prefix, max, nil)
}

// Project config operations

func (tx *Tx) PutProjectConfig(cfg *types.ProjectConfigRow) error {
	key := compositeKey([]byte(cfg.ProjectID), []byte(cfg.Key))
	return putJSON(tx.bucket(bucketProjectConfigs), key, cfg)
}

func (tx *Tx) ListProjectConfigs(projectID string) ([]*types.ProjectConfigRow, error) {
	var cfgs []*types.ProjectConfigRow
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketProjectConfigs), prefix, func(k, v []byte) (bool, error) {
		var cfg types.ProjectConfigRow
		if err := json.Unmarshal(v, &cfg); err != nil {
			return false, err
		}
		cfgs = append(cfgs, &cfg)
		return true, nil
	})
	return cfgs, err
}

func (tx *Tx) DeleteProjectConfigsByProject(projectID string, max int) (int, error) {
	prefix := compositeKey([]byte(projectID), nil)
	return deletePrefix(tx.bucket(bucketProjectConfigs), prefix, max, nil)
}

// Secret wiring operations. Rows describe where secrets are mounted,
// never their values.

func (tx *Tx) PutSecretWiring(wiring *types.SecretWiringRow) error {
	key := compositeKey([]byte(wiring.ProjectID), []byte(wiring.HostName), []byte(wiring.SecretName))
	return putJSON(tx.bucket(bucketSecretWiring), key, wiring)
}

func (tx *Tx) ListSecretWiringByProject(projectID string) ([]*types.SecretWiringRow, error) {
	var rows []*types.SecretWiringRow
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketSecretWiring), prefix, func(k, v []byte) (bool, error) {
		var row types.SecretWiringRow
		if err := json.Unmarshal(v, &row); err != nil {
			return false, err
		}
		rows = append(rows, &row)
		return true, nil
	})
	return rows, err
}

func (tx *Tx) DeleteSecretWiringByProject(projectID string, max int) (int, error) {
	prefix := compositeKey([]byte(projectID), nil)
	return deletePrefix(tx.bucket(bucketSecretWiring), prefix, max, nil)
}

// Setup draft operations

func (tx *Tx) PutSetupDraft(draft *types.SetupDraft) error {
	return putJSON(tx.bucket(bucketSetupDrafts), []byte(draft.ID), draft)
}

func (tx *Tx) GetSetupDraft(id string) (*types.SetupDraft, error) {
	var draft types.SetupDraft
	if err := getJSON(tx.bucket(bucketSetupDrafts), []byte(id), &draft); err != nil {
		return nil, fmt.Errorf("setup draft %s: %w", id, err)
	}
	return &draft, nil
}

func (tx *Tx) ListSetupDraftsByProject(projectID string) ([]*types.SetupDraft, error) {
	var drafts []*types.SetupDraft
	err := tx.bucket(bucketSetupDrafts).ForEach(func(k, v []byte) error {
		var draft types.SetupDraft
		if err := json.Unmarshal(v, &draft); err != nil {
			return err
		}
		if draft.ProjectID == projectID {
			drafts = append(drafts, &draft)
		}
		return nil
	})
	return drafts, err
}

func (tx *Tx) DeleteSetupDraft(id string) error {
	return tx.bucket(bucketSetupDrafts).Delete([]byte(id))
}

func (tx *Tx) DeleteSetupDraftsByProject(projectID string, max int) (int, error) {
	drafts, err := tx.ListSetupDraftsByProject(projectID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, draft := range drafts {
		if deleted >= max {
			break
		}
		if err := tx.DeleteSetupDraft(draft.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Provider operations

func (tx *Tx) PutProvider(provider *types.Provider) error {
	return putJSON(tx.bucket(bucketProviders), []byte(provider.ID), provider)
}

func (tx *Tx) GetProvider(id string) (*types.Provider, error) {
	var provider types.Provider
	if err := getJSON(tx.bucket(bucketProviders), []byte(id), &provider); err != nil {
		return nil, fmt.Errorf("provider %s: %w", id, err)
	}
	return &provider, nil
}

func (tx *Tx) ListProvidersByProject(projectID string) ([]*types.Provider, error) {
	var providers []*types.Provider
	err := tx.bucket(bucketProviders).ForEach(func(k, v []byte) error {
		var provider types.Provider
		if err := json.Unmarshal(v, &provider); err != nil {
			return err
		}
		if provider.ProjectID == projectID {
			providers = append(providers, &provider)
		}
		return nil
	})
	return providers, err
}

func (tx *Tx) DeleteProvidersByProject(projectID string, max int) (int, error) {
	providers, err := tx.ListProvidersByProject(projectID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, provider := range providers {
		if deleted >= max {
			break
		}
		if err := tx.bucket(bucketProviders).Delete([]byte(provider.ID)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Project credential operations. Rows hold references to externally
// stored credentials, never the material itself.

func (tx *Tx) PutProjectCredential(cred *types.ProjectCredential) error {
	return putJSON(tx.bucket(bucketProjectCredentials), []byte(cred.ID), cred)
}

func (tx *Tx) GetProjectCredential(id string) (*types.ProjectCredential, error) {
	var cred types.ProjectCredential
	if err := getJSON(tx.bucket(bucketProjectCredentials), []byte(id), &cred); err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	return &cred, nil
}

func (tx *Tx) ListProjectCredentialsByProject(projectID string) ([]*types.ProjectCredential, error) {
	var creds []*types.ProjectCredential
	err := tx.bucket(bucketProjectCredentials).ForEach(func(k, v []byte) error {
		var cred types.ProjectCredential
		if err := json.Unmarshal(v, &cred); err != nil {
			return err
		}
		if cred.ProjectID == projectID {
			creds = append(creds, &cred)
		}
		return nil
	})
	return creds, err
}

func (tx *Tx) DeleteProjectCredentialsByProject(projectID string, max int) (int, error) {
	creds, err := tx.ListProjectCredentialsByProject(projectID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, cred := range creds {
		if deleted >= max {
			break
		}
		if err := tx.bucket(bucketProjectCredentials).Delete([]byte(cred.ID)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
