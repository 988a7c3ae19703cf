package ingest

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/errors"
)

// ExclusionRule recognizes statement rows that are internal-transfer noise.
// A row is excluded when any keyword occurs in its description or the
// pattern matches it, and, if Direction is set, the direction agrees.
type ExclusionRule struct {
	Name      string           `yaml:"name"`
	Keywords  []string         `yaml:"keywords,omitempty"`
	Pattern   string           `yaml:"pattern,omitempty"`
	Direction models.Direction `yaml:"direction,omitempty"`

	pattern *regexp.Regexp
}

// RuleSet is an ordered list of exclusion rules
type RuleSet struct {
	Rules []ExclusionRule `yaml:"exclusions"`
}

// DefaultRules returns the rules used when no rule file is configured
func DefaultRules() *RuleSet {
	rules := &RuleSet{Rules: []ExclusionRule{
		{
			Name:     "internal-transfer",
			Keywords: []string{"TRANSF ENTRE CONTAS", "TRANSFERENCIA ENTRE CONTAS", "INTERNAL TRANSFER", "TRANSFER BETWEEN ACCOUNTS"},
		},
		{
			Name:     "automatic-investment",
			Keywords: []string{"APLICACAO AUTOMATICA", "RESGATE AUTOMATICO", "SWEEP"},
		},
	}}
	return mustCompile(rules)
}

// mustCompile compiles rules that are part of the program and panics if
// they are invalid
func mustCompile(rules *RuleSet) *RuleSet {
	if err := rules.compile(); err != nil {
		panic(fmt.Sprintf("ingest: invalid built-in exclusion rules: %v", err))
	}
	return rules
}

// LoadRules reads a YAML rule file:
//
//	exclusions:
//	  - name: internal-transfer
//	    keywords: ["TRANSF ENTRE CONTAS"]
//	  - name: card-settlement
//	    pattern: "^PGTO FATURA \\d+"
//	    direction: debit
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "exclusion_rules", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates a YAML rule document
func ParseRules(data []byte) (*RuleSet, error) {
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "exclusion_rules", "yaml", err)
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &rules, nil
}

func (rs *RuleSet) compile() error {
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if strings.TrimSpace(rule.Name) == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if len(rule.Keywords) == 0 && rule.Pattern == "" {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "exclusion_rules."+rule.Name, "empty",
				fmt.Errorf("rule needs keywords or a pattern"))
		}
		if rule.Direction != "" && !rule.Direction.IsValid() {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "exclusion_rules."+rule.Name+".direction", rule.Direction, nil)
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile("(?i)" + rule.Pattern)
			if err != nil {
				return errors.ConfigurationError(errors.CodeInvalidConfig, "exclusion_rules."+rule.Name+".pattern", rule.Pattern, err)
			}
			rule.pattern = re
		}
		for k, keyword := range rule.Keywords {
			rule.Keywords[k] = foldForMatch(keyword)
		}
	}
	return nil
}

// Classify returns the name of the first rule that excludes the record
func (rs *RuleSet) Classify(record *models.StatementRecord) (string, bool) {
	if rs == nil {
		return "", false
	}
	description := foldForMatch(record.Description)
	for _, rule := range rs.Rules {
		if rule.Direction != "" && rule.Direction != record.Direction {
			continue
		}
		if rule.pattern != nil && (rule.pattern.MatchString(record.Description) || rule.pattern.MatchString(description)) {
			return rule.Name, true
		}
		for _, keyword := range rule.Keywords {
			if keyword != "" && strings.Contains(description, keyword) {
				return rule.Name, true
			}
		}
	}
	return "", false
}

// foldForMatch is the form keywords and descriptions are compared in:
// accents removed, upper case, surrounding space trimmed
func foldForMatch(s string) string {
	return strings.ToUpper(strings.TrimSpace(models.FoldAccents(s)))
}
