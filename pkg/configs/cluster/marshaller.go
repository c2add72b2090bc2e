package cluster

import (
	"os"

	"gopkg.in/yaml.v3"
)

// load the cluster config from a file, overlaying well-known envvars.
//
// An empty filepath is allowed: the config then comes from environment and
// defaults alone.
func LoadClusterConfig(filepath string) (*ClusterConfig, error) {
	if filepath == "" {
		return Unmarshal(nil)
	}

	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *ClusterConfig, err error) {
	_out := &ClusterConfigMarshall{}
	if conf != nil {
		if err := yaml.Unmarshal(conf, _out); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = &ConfigError{Detail: r}
		}
	}()

	out = TrySeal(_out.Overlay())
	return out, nil
}

type ConfigError struct {
	Detail any
}

func (e *ConfigError) Error() string {
	if s, ok := e.Detail.(string); ok {
		return "misconfiguration: " + s
	}
	return "misconfiguration"
}
