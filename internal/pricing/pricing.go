package pricing

import (
	"errors"
	"fmt"
	"sort"

	"genledger/internal/config"
	"genledger/internal/model"
)

var (
	ErrUnknownMode  = errors.New("pricing: unknown generation mode")
	ErrUnknownAddOn = errors.New("pricing: unknown add-on")
)

// DefaultModes 各生成模式的基础积分
var DefaultModes = map[string]int64{
	model.ModeTextToModel:      5,
	model.ModeImageToModel:     9,
	model.ModeMultiviewToModel: 12,
}

// DefaultAddOns 附加项的积分
var DefaultAddOns = map[string]int64{
	model.AddOnPBR:       3,
	model.AddOnHDTexture: 5,
	model.AddOnQuadMesh:  2,
	model.AddOnHighPoly:  4,
}

// Table 价格表，Quote 是纯函数，不读库不依赖时间
type Table struct {
	modes  map[string]int64
	addOns map[string]int64
}

// NewTable 用配置覆盖默认价格，配置里没有的项保留默认值
func NewTable(cfg config.PricingConfig) *Table {
	t := &Table{
		modes:  make(map[string]int64, len(DefaultModes)),
		addOns: make(map[string]int64, len(DefaultAddOns)),
	}
	for k, v := range DefaultModes {
		t.modes[k] = v
	}
	for k, v := range DefaultAddOns {
		t.addOns[k] = v
	}
	for k, v := range cfg.Modes {
		t.modes[k] = v
	}
	for k, v := range cfg.AddOns {
		t.addOns[k] = v
	}
	return t
}

// Breakdown 报价明细
type Breakdown struct {
	Mode   string           `json:"mode"`
	Base   int64            `json:"base"`
	AddOns map[string]int64 `json:"add_ons,omitempty"`
	Total  int64            `json:"total"`
}

// Quote 计算一个任务需要的积分，同一个附加项只收一次
func (t *Table) Quote(spec *model.JobSpec) (*Breakdown, error) {
	base, ok := t.modes[spec.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, spec.Mode)
	}

	b := &Breakdown{Mode: spec.Mode, Base: base, Total: base}
	for _, name := range spec.AddOns {
		cost, ok := t.addOns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAddOn, name)
		}
		if _, seen := b.AddOns[name]; seen {
			continue
		}
		if b.AddOns == nil {
			b.AddOns = make(map[string]int64)
		}
		b.AddOns[name] = cost
		b.Total += cost
	}
	return b, nil
}

// Modes 返回已知的模式名，按字母排序
func (t *Table) Modes() []string {
	return sortedKeys(t.modes)
}

// AddOns 返回已知的附加项名，按字母排序
func (t *Table) AddOns() []string {
	return sortedKeys(t.addOns)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
