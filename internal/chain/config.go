package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Base       BaseDefinition       `yaml:"base"`
	Underlying UnderlyingDefinition `yaml:"underlying"`
}

// BaseDefinition describes the EVM chain the asset manager lives on.
type BaseDefinition struct {
	RPCURL             string `yaml:"rpc_url"`
	AssetManager       string `yaml:"asset_manager"`
	PriceReader        string `yaml:"price_reader"`
	Relay              string `yaml:"relay"`
	FdcHub             string `yaml:"fdc_hub"`
	FdcVerification    string `yaml:"fdc_verification"`
	FinalizationBlocks uint64 `yaml:"finalization_blocks"`
	LogChunkSize       uint64 `yaml:"log_chunk_size"`
	MaxBlocksPerTick   uint64 `yaml:"max_blocks_per_tick"`
	Description        string `yaml:"description"`
}

// UnderlyingDefinition describes the payment chain the wrapped asset settles on.
type UnderlyingDefinition struct {
	ChainID            string `yaml:"chain_id"`
	SourceID           string `yaml:"source_id"`
	FinalizationBlocks uint64 `yaml:"finalization_blocks"`
	Description        string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{}, fmt.Errorf("链配置路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	defs.applyDefaults()
	return defs, nil
}

func (d *Definitions) applyDefaults() {
	if d.Base.FinalizationBlocks == 0 {
		d.Base.FinalizationBlocks = 6
	}
	if d.Base.LogChunkSize == 0 {
		d.Base.LogChunkSize = 25_000
	}
	if d.Base.MaxBlocksPerTick == 0 {
		d.Base.MaxBlocksPerTick = 1_000
	}
	if d.Underlying.FinalizationBlocks == 0 {
		d.Underlying.FinalizationBlocks = 3
	}
}
