package forward

import (
	"fmt"
	"sync"

	"github.com/lieyan666/FireProxy/pkg/config"
	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/pool"
	"github.com/lieyan666/FireProxy/pkg/stats"
)

// BindDeps carries the explicit dependencies every forwarder receives
type BindDeps struct {
	Log        *logger.Logger
	PoolConfig pool.Config
	UDPConfig  UDPConfig
}

// RuleSet is the runtime result of binding one rule: its forwarders
// plus the pools they share. Pools outlive individual forwarders within
// the rule, so the set owns their shutdown.
type RuleSet struct {
	Rule       config.Rule
	Forwarders []stats.Forwarder

	pools    map[int]*pool.Pool
	stopOnce sync.Once
}

// Bind validates and expands one rule, instantiating one forwarder per
// (localPort, targetPort) pair. For TCP rules, pools are deduplicated
// by target port so local ports mapping to the same target share one
// pool. A rule that fails validation is rejected wholesale; a pair that
// fails to bind is logged and kept registered with the error recorded.
func Bind(rule config.Rule, deps BindDeps) (*RuleSet, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	rs := &RuleSet{
		Rule:  rule,
		pools: make(map[int]*pool.Pool),
	}

	log := deps.Log.With("rule", rule.ID)
	localHost := rule.LocalHost
	if localHost == "" {
		localHost = "0.0.0.0"
	}

	for i, pair := range rule.Pairs() {
		switch rule.Type {
		case config.ProtocolTCP:
			pl, ok := rs.pools[pair.Target]
			if !ok {
				pl = pool.NewPool(rule.TargetHost, pair.Target, deps.PoolConfig, deps.Log)
				rs.pools[pair.Target] = pl
			}

			id := fmt.Sprintf("tcp_%d_%d", rule.ID, i)
			fw := NewTCPForwarder(id, localHost, pair.Local, rule.TargetHost, pair.Target, pl, deps.Log)
			if err := fw.Start(); err != nil {
				log.ErrorWithErr("tcp bind failed", err, "localPort", pair.Local)
			}
			rs.Forwarders = append(rs.Forwarders, fw)

		case config.ProtocolUDP:
			id := fmt.Sprintf("udp_%d_%d", rule.ID, i)
			fw := NewUDPForwarder(id, localHost, pair.Local, rule.TargetHost, pair.Target, deps.UDPConfig, deps.Log)
			if err := fw.Start(); err != nil {
				log.ErrorWithErr("udp bind failed", err, "localPort", pair.Local)
			}
			rs.Forwarders = append(rs.Forwarders, fw)
		}
	}

	log.InfoWith("rule bound",
		"name", rule.Name,
		"type", rule.Type,
		"forwarders", len(rs.Forwarders),
		"pools", len(rs.pools))

	return rs, nil
}

// Stop tears down every forwarder, then closes the shared pools.
// Idempotent.
func (rs *RuleSet) Stop() {
	rs.stopOnce.Do(func() {
		for _, fw := range rs.Forwarders {
			fw.Stop()
		}
		for _, pl := range rs.pools {
			pl.Close()
		}
	})
}
