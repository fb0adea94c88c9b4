package domain

// GuestWallet is reported for analytics visitors without a connected wallet.
const GuestWallet = "Guest"

// AuthContext is the identity bound to a connection once the handshake
// succeeds. It is either a HostSession or an AnalyticsSession.
type AuthContext interface {
	Scene() SceneID
	// ActorID identifies the connection owner in audit records.
	ActorID() string
	DisplayName() string
	isAuthContext()
}

// HostSession is an authenticated scene administrator.
type HostSession struct {
	UserID          string  `json:"userId"`
	ConnectedWallet string  `json:"connectedWallet"`
	Name            string  `json:"displayName"`
	SceneID         SceneID `json:"sceneId"`
}

func (h HostSession) Scene() SceneID      { return h.SceneID }
func (h HostSession) ActorID() string     { return h.UserID }
func (h HostSession) DisplayName() string { return h.Name }
func (HostSession) isAuthContext()        {}

// AnalyticsSession is an anonymous or lightly identified in-world visitor.
type AnalyticsSession struct {
	SessionID       string  `json:"sessionId"`
	ConnectedWallet string  `json:"connectedWallet"`
	Location        string  `json:"location"`
	SceneID         SceneID `json:"sceneId"`
}

func (a AnalyticsSession) Scene() SceneID  { return a.SceneID }
func (a AnalyticsSession) ActorID() string { return a.SessionID }
func (a AnalyticsSession) DisplayName() string {
	if a.ConnectedWallet == "" {
		return GuestWallet
	}
	return a.ConnectedWallet
}
func (AnalyticsSession) isAuthContext() {}

// IsHost reports whether ac is a HostSession.
func IsHost(ac AuthContext) bool {
	_, ok := ac.(HostSession)
	return ok
}

// Handshake is the credential bundle sent as the first frame of a connection.
type Handshake struct {
	SessionToken string  `json:"sessionToken"`
	RefreshToken string  `json:"refreshToken,omitempty"`
	SceneID      SceneID `json:"sceneId"`
	Host         bool    `json:"host,omitempty"`
	Kind         string  `json:"kind,omitempty"`
}

const KindAnalytics = "analytics"
