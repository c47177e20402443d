package scrub

// The namespace shared by every column that identifies a WordPress user, so a
// user's synthetic email is the same in wp_users and wp_comments.
const userNamespace = "user"

// WordPressRules returns the personal-data rules for a WordPress schema whose
// tables start with prefix.
func WordPressRules(prefix string) []Rule {
	users := prefix + "users"
	usermeta := prefix + "usermeta"
	comments := prefix + "comments"

	userKey := []KeySource{{Column: "ID", Namespace: userNamespace}}
	metaKey := []KeySource{{Column: "user_id", Namespace: userNamespace}}
	commentKey := []KeySource{
		{Column: "user_id", Namespace: userNamespace},
		{Column: "comment_ID", Namespace: comments},
	}

	return []Rule{
		{Table: users, Column: "user_email", Kind: KindEmail, Key: userKey},
		{Table: users, Column: "user_login", Kind: KindLogin, Key: userKey},
		{Table: users, Column: "user_nicename", Kind: KindLogin, Key: userKey},
		{Table: users, Column: "display_name", Kind: KindName, Key: userKey},
		{Table: users, Column: "user_pass", Kind: KindSecret, Key: userKey},
		{Table: users, Column: "user_activation_key", Kind: KindSecret, Key: userKey},
		{Table: users, Column: "user_url", Kind: KindURL, Key: userKey},

		{
			Table: usermeta, Column: "meta_value", Kind: KindName, Key: metaKey,
			WhenColumn: "meta_key", WhenValues: []string{"first_name", "last_name", "nickname"},
		},
		{
			Table: usermeta, Column: "meta_value", Kind: KindText, Key: metaKey,
			WhenColumn: "meta_key", WhenValues: []string{"description", "session_tokens"},
		},

		{Table: comments, Column: "comment_author", Kind: KindName, Key: commentKey},
		{Table: comments, Column: "comment_author_email", Kind: KindEmail, Key: commentKey},
		{Table: comments, Column: "comment_author_IP", Kind: KindIP, Key: commentKey},
		{Table: comments, Column: "comment_author_url", Kind: KindURL, Key: commentKey},
	}
}

// NewWordPress creates a Scrubber with WordPressRules.
func NewWordPress(prefix string) *Scrubber {
	return New(WordPressRules(prefix))
}
