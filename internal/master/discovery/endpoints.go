package discovery

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// endpointsFile is the on-disk shape of the worker endpoint table. The
// registry stores only a metadata pointer per worker; the operator maps
// worker addresses to reachable base URLs here.
type endpointsFile struct {
	Workers []struct {
		Address  string `yaml:"address"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"workers"`
}

// LoadEndpoints reads the worker endpoint table from a yaml file.
func LoadEndpoints(path string) (map[common.Address]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}

	var file endpointsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file: %w", err)
	}

	endpoints := make(map[common.Address]string, len(file.Workers))
	for _, entry := range file.Workers {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("invalid worker address %q in endpoints file", entry.Address)
		}
		endpoints[common.HexToAddress(entry.Address)] = strings.TrimRight(entry.Endpoint, "/")
	}
	return endpoints, nil
}
