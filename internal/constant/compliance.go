package constant

const (
	ComplianceSourceDatabase = "database"
	ComplianceSourceFMP      = "fmp"

	VerdictCacheKeyPrefix = "compliance:verdict"
	SymbolLockKeyPrefix   = "orchestrator:symbol-lock"
)
