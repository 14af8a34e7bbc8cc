package exception

import "github.com/yanun0323/errors"

var (
	ErrRiskRuleFileEmpty    = errors.New("risk: rule file path is empty")
	ErrRiskRuleFileParse    = errors.New("risk: parse rule file")
	ErrRiskInvalidTimeRange = errors.New("risk: invalid time range")
	ErrRiskInvalidRule      = errors.New("risk: invalid rule")
	ErrRiskManagerStarted   = errors.New("risk: manager already started")
	ErrRiskNilExecutor      = errors.New("risk: nil executor")
	ErrRiskRejected         = errors.New("risk: order rejected")
)
