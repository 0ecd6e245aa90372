package registration

// Stage is a step of the registration wizard. Stages are ordered and a
// session only moves forward, except for Reset.
type Stage int

const (
	StageAccountInfo Stage = iota
	StageEmailVerification
	StagePhoneVerification
	StageTOTPSetup
	StageTOTPVerification
	StageComplete
)

var stageNames = [...]string{
	"account_info",
	"email_verification",
	"phone_verification",
	"totp_setup",
	"totp_verification",
	"complete",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// channel returns the delivery channel of the one-time code the stage waits for.
func (s Stage) channel() (Channel, bool) {
	switch s {
	case StageEmailVerification:
		return ChannelEmail, true
	case StagePhoneVerification:
		return ChannelSMS, true
	}
	return "", false
}

// Channel is how a one-time code is delivered.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}
