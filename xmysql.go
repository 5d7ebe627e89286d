package xmysql

// QueryKind names the four statement kinds a query value can execute.
type QueryKind string

const (
	KindSelect QueryKind = "select"
	KindInsert QueryKind = "insert"
	KindUpdate QueryKind = "update"
	KindDelete QueryKind = "delete"
)

func (k QueryKind) String() string { return string(k) }

// Statement is a SQL template plus its bind values. The template may use
// `??` for identifiers and `?` for values; see Dialect.Expand.
type Statement struct {
	SQL    string
	Values []any
}
