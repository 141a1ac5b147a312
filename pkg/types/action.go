package types

// ActionKind names the on-chain write an action slot performs.
type ActionKind string

const (
	ActionApprove          ActionKind = "approve"
	ActionStake            ActionKind = "stake"
	ActionUnstake          ActionKind = "unstake"
	ActionClaim            ActionKind = "claim"
	ActionRegisterReferral ActionKind = "register_referral"
)

// ActionState is the per-slot state machine: Idle → Submitting → (Mined | Failed) → Idle.
type ActionState string

const (
	ActionIdle       ActionState = "idle"
	ActionSubmitting ActionState = "submitting"
	ActionMined      ActionState = "mined"
	ActionFailed     ActionState = "failed"
)

// Terminal reports whether s is Mined or Failed.
func (s ActionState) Terminal() bool {
	return s == ActionMined || s == ActionFailed
}
