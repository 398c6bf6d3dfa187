package domain

// Terminal reasons for an ancestry walk.
const (
	TerminalRoot       = "root"
	TerminalBrokenLink = "broken_link"
	TerminalDepthLimit = "depth_limit"
)

// Ancestor describes one referrer in a user's chain.
type Ancestor struct {
	UserID    int64
	FirstName string
	Username  string
}

// AncestorOf projects the fields of u needed to render a chain entry.
func AncestorOf(u User) Ancestor {
	return Ancestor{UserID: u.UserID, FirstName: u.FirstName, Username: u.Username}
}

// Ancestry is a user's referral chain, nearest referrer first, and the reason
// the walk ended.
type Ancestry struct {
	Ancestors []Ancestor
	Terminal  string
}
