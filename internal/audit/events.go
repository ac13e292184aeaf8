package audit

// Ledger event types. Every state-changing financial event in the system
// is recorded under one of these.
const (
	EventKausPurchase       = "KAUS_PURCHASE"
	EventKausSale           = "KAUS_SALE"
	EventEnergyTrade        = "ENERGY_TRADE"
	EventWithdrawalRequest  = "WITHDRAWAL_REQUEST"
	EventWithdrawalComplete = "WITHDRAWAL_COMPLETE"
	EventStakingDeposit     = "STAKING_DEPOSIT"
	EventStakingWithdraw    = "STAKING_WITHDRAW"
	EventYieldClaim         = "YIELD_CLAIM"
	EventReferralBonus      = "REFERRAL_BONUS"
	EventCertificateIssued  = "CERTIFICATE_ISSUED"
	EventLogin              = "LOGIN"
	EventSettingsChange     = "SETTINGS_CHANGE"
	EventCredentialCreated  = "CREDENTIAL_CREATED"
	EventCredentialRevoked  = "CREDENTIAL_REVOKED"
	EventSecurityIncident   = "SECURITY_INCIDENT"
	EventBalanceUpdate      = "BALANCE_UPDATE"
	EventDividendPaid       = "DIVIDEND_PAID"
	EventDividendRun        = "DIVIDEND_RUN"
)
