package infra

import (
	"time"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

// ConsulKV is the part of the Consul KV API the guardian uses.
type ConsulKV interface {
	Put(kv *api.KVPair, options *api.WriteOptions) (*api.WriteMeta, error)
	Get(key string, options *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Delete(key string, options *api.WriteOptions) (*api.WriteMeta, error)
	List(prefix string, options *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

var _ ConsulKV = (*api.KV)(nil)

// ConsulConfig builds the client configuration. Credentials are only sent in production.
func ConsulConfig(environment string, consulCfg *config.ConsulConfig) *api.Config {
	clientConfig := api.DefaultConfig()
	if consulCfg == nil {
		return clientConfig
	}
	if environment == config.Production {
		clientConfig.Token = consulCfg.Token
		if consulCfg.Username != "" || consulCfg.Password != "" {
			clientConfig.HttpAuth = &api.HttpBasicAuth{
				Username: consulCfg.Username,
				Password: consulCfg.Password,
			}
		}
	}
	if consulCfg.Address != "" {
		clientConfig.Address = consulCfg.Address
	}
	return clientConfig
}

// NewConsulClient connects to Consul and checks a leader is elected.
func NewConsulClient(environment string, consulCfg *config.ConsulConfig) (*api.Client, error) {
	cfg := ConsulConfig(environment, consulCfg)
	cfg.WaitTime = 10 * time.Second

	logger.Info("Consul config",
		"environment", environment,
		"address", cfg.Address,
		"wait_time", cfg.WaitTime,
		"token_length", len(cfg.Token),
	)

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create consul client")
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, errors.Wrap(err, "connect to consul")
	}
	return client, nil
}
