package model

// SyncState 启动同步状态机的状态
type SyncState string

const (
	SyncIdle            SyncState = "idle"
	SyncCheckingLocal   SyncState = "checking_local"
	SyncVerifyingRemote SyncState = "verifying_remote"
	SyncNeedsSetup      SyncState = "needs_setup"
	SyncComplete        SyncState = "sync_complete"
	SyncResetting       SyncState = "resetting"
)

// Terminal reports whether s is one of the two states a sync run lands in.
func (s SyncState) Terminal() bool {
	return s == SyncNeedsSetup || s == SyncComplete
}

// ValidationResult 资料设置步骤的校验结果，直接暴露给展示层
type ValidationResult struct {
	IsValid      bool   `json:"isValid"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Valid is the passing ValidationResult.
func Valid() ValidationResult {
	return ValidationResult{IsValid: true}
}

// Invalid builds a failing ValidationResult carrying msg.
func Invalid(msg string) ValidationResult {
	return ValidationResult{IsValid: false, ErrorMessage: msg}
}
