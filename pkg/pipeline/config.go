package pipeline

import (
	"fmt"

	"github.com/snapdb/SnapDB-sub000/pkg/jsonconfig"
)

// PreBufferConfig bounds the pre-buffer's backlog and rollover cadence
// (§4.10 "PreBufferWriter").
type PreBufferConfig struct {
	MaxPoints           int // 1000..100000
	RolloverPointCount  int
	RolloverIntervalMS  int // 1..1000
}

// LoadPreBufferConfig reads a PreBufferConfig from a jsonconfig.Obj,
// the same config-object convention the teacher's serverinit uses
// throughout (RequiredX/OptionalX with defaults, then Validate).
func LoadPreBufferConfig(jc jsonconfig.Obj) (PreBufferConfig, error) {
	cfg := PreBufferConfig{
		MaxPoints:          jc.OptionalInt("maxPoints", 10000),
		RolloverPointCount: jc.OptionalInt("rolloverPointCount", 1000),
		RolloverIntervalMS: jc.OptionalInt("rolloverIntervalMs", 100),
	}
	if err := jc.Validate(); err != nil {
		return cfg, err
	}
	if cfg.MaxPoints < 1000 || cfg.MaxPoints > 100000 {
		return cfg, fmt.Errorf("pipeline: maxPoints %d out of range [1000,100000]", cfg.MaxPoints)
	}
	if cfg.RolloverIntervalMS < 1 || cfg.RolloverIntervalMS > 1000 {
		return cfg, fmt.Errorf("pipeline: rolloverIntervalMs %d out of range [1,1000]", cfg.RolloverIntervalMS)
	}
	return cfg, nil
}

// FirstStageConfig bounds the in-memory cascade before a rollover to
// disk (§4.10 "FirstStageWriter").
type FirstStageConfig struct {
	ListCapacity int // tables per cascade list before a merge (default 10)
	KeySize      int
}

func LoadFirstStageConfig(jc jsonconfig.Obj) (FirstStageConfig, error) {
	cfg := FirstStageConfig{
		ListCapacity: jc.OptionalInt("listCapacity", 10),
		KeySize:      jc.OptionalInt("keySize", 12),
	}
	if err := jc.Validate(); err != nil {
		return cfg, err
	}
	if cfg.ListCapacity < 1 {
		return cfg, fmt.Errorf("pipeline: listCapacity must be >= 1")
	}
	return cfg, nil
}

// CombineConfig bounds the stage-combine task's file-selection
// thresholds (§4.10 "stage-combine task").
type CombineConfig struct {
	CombineOnFileCount int
	CombineOnSizeMB    int64
}

func LoadCombineConfig(jc jsonconfig.Obj) (CombineConfig, error) {
	cfg := CombineConfig{
		CombineOnFileCount: jc.OptionalInt("combineOnFileCount", 4),
		CombineOnSizeMB:    jc.OptionalInt64("combineOnSizeMB", 64),
	}
	if err := jc.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
