package xmysql

import (
	"context"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type qUser struct {
	ID   int64  `db:"id,int"`
	Name string `db:"name,string"`
}

func init() { Table[qUser]() }

// capture records the last statement sent through the test driver.
type capture struct {
	mu    sync.Mutex
	query string
	args  []any
	cols  []string
	rows  [][]driver.Value
}

func (c *capture) handler(q string, args []driver.NamedValue) ([]string, [][]driver.Value, driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.query, c.args = q, argValues(args)
	return c.cols, c.rows, testResult{rows: 1}, nil
}

func (c *capture) last() (string, []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query, c.args
}

func newCaptureClient(t *testing.T, cols []string, rows ...[]driver.Value) (*Client, *capture) {
	t.Helper()
	cp := &capture{cols: cols, rows: rows}
	c, _, _ := newTestClient(t, cp.handler)
	return c, cp
}

func TestQueryValue_NoSource(t *testing.T) {
	type orphan struct{}
	q := Select[orphan, qUser](SelectOptions{SQL: "SELECT id FROM users"})

	_, err := q.Call(context.Background())
	require.ErrorIs(t, err, ErrNoSource)

	d := Delete[orphan]("DELETE FROM users")
	_, err = d.Call(context.Background())
	require.ErrorIs(t, err, ErrNoSource)
}

func TestQueryValue_NoConnection(t *testing.T) {
	type dao struct{}
	DefineSource[dao](nil, TypeOf[qUser]())

	_, err := Delete[dao]("DELETE FROM users").Call(context.Background())
	require.ErrorIs(t, err, ErrNoConn)

	_, err = Delete[dao]("DELETE FROM users").CallWith(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoConn)
}

func TestSelect_BindsAllArguments(t *testing.T) {
	type dao struct{}
	c, cp := newCaptureClient(t, []string{"id", "name"},
		[]driver.Value{int64(1), []byte("a")},
		[]driver.Value{int64(2), []byte("b")},
	)
	DefineSource[dao](c, TypeOf[qUser]())

	q := Select[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users WHERE age > ? AND name <> ?"})
	got, err := q.Call(context.Background(), 18, "x")
	require.NoError(t, err)
	require.Equal(t, []qUser{{1, "a"}, {2, "b"}}, got)

	query, args := cp.last()
	require.Equal(t, "SELECT id, name FROM users WHERE age > ? AND name <> ?", query)
	require.Equal(t, []any{int64(18), "x"}, args)
}

func TestSelectOne(t *testing.T) {
	type dao struct{}
	c, _ := newCaptureClient(t, []string{"id", "name"}, []driver.Value{int64(5), "e"}, []driver.Value{int64(6), "f"})
	DefineSource[dao](c, TypeOf[qUser]())

	got, err := SelectOne[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users"}).Call(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, qUser{5, "e"}, *got)
}

func TestSelectOne_ZeroRowsIsNil(t *testing.T) {
	type dao struct{}
	c, _ := newCaptureClient(t, []string{"id", "name"})
	DefineSource[dao](c, TypeOf[qUser]())

	got, err := SelectOne[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users WHERE 0"}).Call(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)

	var sawNil bool
	name, err := SelectOneMap[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users WHERE 0"}, func(u *qUser) string {
		sawNil = u == nil
		if u == nil {
			return "nobody"
		}
		return u.Name
	}).Call(context.Background())
	require.NoError(t, err)
	require.True(t, sawNil)
	require.Equal(t, "nobody", name)
}

func TestSelectMap(t *testing.T) {
	type dao struct{}
	c, _ := newCaptureClient(t, []string{"id", "name"}, []driver.Value{int64(1), "a"}, []driver.Value{int64(2), "b"})
	DefineSource[dao](c, TypeOf[qUser]())

	q := SelectMap[dao, qUser](SelectOptions{Name: "names", SQL: "SELECT id, name FROM users"}, func(us []qUser) []string {
		out := make([]string, len(us))
		for i, u := range us {
			out[i] = u.Name
		}
		return out
	})
	got, err := q.Call(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)
	require.True(t, q.Descriptor().Filtered)
}

func TestSelect_Wheres(t *testing.T) {
	type dao struct{}
	c, cp := newCaptureClient(t, []string{"id", "name"})
	DefineSource[dao](c, TypeOf[qUser]())

	q := Select[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users WHERE tenant = ? AND", Wheres: true})

	_, err := q.Call(context.Background(), WhereEq(Values{"name": "x' OR '1'='1"}), 7)
	require.NoError(t, err)
	query, args := cp.last()
	require.Equal(t, "SELECT id, name FROM users WHERE tenant = ? AND `name` = ?", query)
	require.Equal(t, []any{int64(7), "x' OR '1'='1"}, args, "where input is bound, never inlined")

	_, err = q.Call(context.Background(), "name = 'x'")
	require.ErrorIs(t, err, ErrUnsafeWhere)
	_, err = q.Call(context.Background())
	require.ErrorIs(t, err, ErrUnsafeWhere)
	after, _ := cp.last()
	require.Equal(t, query, after, "rejected calls never reach the driver")
}

func TestCallWith_StoresConnection(t *testing.T) {
	type dao struct{}
	first, cpFirst := newCaptureClient(t, []string{"id", "name"})
	second, cpSecond := newCaptureClient(t, []string{"id", "name"})
	src := DefineSource[dao](first, TypeOf[qUser]())

	q := Select[dao, qUser](SelectOptions{SQL: "SELECT id, name FROM users"})
	_, err := q.CallWith(context.Background(), second)
	require.NoError(t, err)
	require.Same(t, second, src.Conn())

	// Later calls keep using the override.
	_, err = q.Call(context.Background())
	require.NoError(t, err)

	q1, _ := cpFirst.last()
	q2, _ := cpSecond.last()
	require.Empty(t, q1)
	require.Equal(t, "SELECT id, name FROM users", q2)

	got, ok := SourceOf[dao]()
	require.True(t, ok)
	require.Same(t, src, got)
}

func TestCallWith_ConcurrentLastWriteWins(t *testing.T) {
	type dao struct{}
	src := DefineSource[dao](nil, TypeOf[qUser]())
	q := Delete[dao]("DELETE FROM users")

	clients := make([]*Client, 4)
	captures := make([]*capture, 4)
	for i := range clients {
		clients[i], captures[i] = newCaptureClient(t, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(clients)*8)
	for i := range clients {
		for n := 0; n < 8; n++ {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				_, err := q.CallWith(context.Background(), c)
				errs <- err
			}(clients[i])
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every call ran on the connection it was given.
	for _, cp := range captures {
		query, _ := cp.last()
		require.Equal(t, "DELETE FROM users", query)
	}
	var owned bool
	for _, c := range clients {
		owned = owned || c == src.Conn()
	}
	require.True(t, owned, "the stored connection is one of the overrides")

	_, err := q.CallWith(context.Background(), clients[2])
	require.NoError(t, err)
	require.Same(t, clients[2], src.Conn())

	captures[2].mu.Lock()
	captures[2].query = ""
	captures[2].mu.Unlock()
	_, err = q.Call(context.Background())
	require.NoError(t, err)
	query, _ := captures[2].last()
	require.Equal(t, "DELETE FROM users", query)
}

func TestInsertRows_Shape(t *testing.T) {
	type dao struct{}
	q := InsertRows[dao](InsertOptions{Table: "t", Keys: []string{"a", "b"}})

	stmt, err := q.build([]any{[]map[string]any{{"a": 1, "b": 2}, {"a": 3, "b": 4}}})
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO t (??) VALUES ?", stmt.SQL)
	require.Equal(t, []any{[]string{"a", "b"}, [][]any{{1, 2}, {3, 4}}}, stmt.Values)
}

func TestInsertRows_StructsAndMissingKeys(t *testing.T) {
	type dao struct{}
	c, cp := newCaptureClient(t, nil)
	DefineSource[dao](c, TypeOf[qUser]())

	q := InsertRows[dao](InsertOptions{Name: "add", Table: "users", Keys: []string{"name", "email"}})
	res, err := q.Call(context.Background(), []qUser{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.AffectedRows)

	query, args := cp.last()
	require.Equal(t, "INSERT INTO users (`name`, `email`) VALUES (?, ?), (?, ?)", query)
	require.Equal(t, []any{"a", nil, "b", nil}, args)

	_, err = q.Call(context.Background(), []qUser{})
	require.Error(t, err)
	_, err = q.Call(context.Background(), qUser{})
	require.Error(t, err)
	_, err = q.Call(context.Background())
	require.Error(t, err)
}

func TestUpdateRow_Shape(t *testing.T) {
	type dao struct{}
	q := UpdateRow[dao](UpdateOptions{Table: "t", Wheres: []string{"id"}})

	in := map[string]any{"id": 5, "name": "x"}
	stmt, err := q.build([]any{in})
	require.NoError(t, err)
	require.Equal(t, "UPDATE t SET ? WHERE ?? = ?", stmt.SQL)
	require.Equal(t, []any{Values{"name": "x"}, "id", 5}, stmt.Values)
	require.Equal(t, map[string]any{"id": 5, "name": "x"}, in, "input is not modified")
}

func TestUpdateRow_Call(t *testing.T) {
	type dao struct{}
	c, cp := newCaptureClient(t, nil)
	DefineSource[dao](c, TypeOf[qUser]())

	q := UpdateRow[dao](UpdateOptions{Table: "users", Wheres: []string{"id"}})
	_, err := q.Call(context.Background(), qUser{ID: 3, Name: "z"})
	require.NoError(t, err)

	query, args := cp.last()
	require.Equal(t, "UPDATE users SET `name` = ? WHERE `id` = ?", query)
	require.Equal(t, []any{"z", int64(3)}, args)

	_, err = q.Call(context.Background(), map[string]any{"name": "z"})
	require.ErrorIs(t, err, ErrMissingKey)
	_, err = q.Call(context.Background(), map[string]any{"id": 1})
	require.Error(t, err, "nothing to set")
}

func TestRawModify(t *testing.T) {
	type dao struct{}
	c, cp := newCaptureClient(t, nil)
	DefineSource[dao](c, TypeOf[qUser]())

	for _, q := range []*ModifyQuery[dao]{
		Insert[dao]("INSERT INTO users (name) VALUES (?)"),
		Update[dao]("UPDATE users SET name = ? WHERE id = ?"),
		Delete[dao]("DELETE FROM users WHERE id = ?"),
	} {
		_, err := q.Call(context.Background(), "n", 1)
		require.NoError(t, err)
		query, args := cp.last()
		require.Equal(t, q.Descriptor().SQL, query)
		require.Equal(t, []any{"n", int64(1)}, args)
		require.True(t, strings.HasPrefix(strings.ToLower(query), string(q.Descriptor().Kind)))
	}
}

func TestModify_TableOverride(t *testing.T) {
	type dao struct{}
	type unmapped struct{}
	c, cp := newCaptureClient(t, nil)
	DefineSource[dao](c, TypeOf[unmapped]())

	_, err := Delete[dao]("DELETE FROM users").Call(context.Background())
	require.ErrorIs(t, err, ErrNotTable, "source table is used by default")

	q := InsertRows[dao](InsertOptions{Table: "users", Keys: []string{"name"}, Mapped: TypeOf[qUser]()})
	_, err = q.Call(context.Background(), []map[string]any{{"name": "a"}})
	require.NoError(t, err)
	query, _ := cp.last()
	require.Equal(t, "INSERT INTO users (`name`) VALUES (?)", query)
}

func TestCalls_ListsDescriptors(t *testing.T) {
	type dao struct{}
	Select[dao, qUser](SelectOptions{Name: "b", SQL: "SELECT 1"})
	SelectOne[dao, qUser](SelectOptions{Name: "a", SQL: "SELECT 2"})
	UpdateRow[dao](UpdateOptions{Name: "c", Table: "users", Wheres: []string{"id", "tenant"}})

	calls := Calls[dao]()
	require.Len(t, calls, 3)
	require.Equal(t, "a", calls[0].Name)
	require.True(t, calls[0].OnlyOne)
	require.Equal(t, TypeOf[qUser](), calls[0].Table)
	require.Equal(t, "b", calls[1].Name)
	require.Equal(t, KindUpdate, calls[2].Kind)
	require.Equal(t, "UPDATE users SET ? WHERE ?? = ? AND ?? = ?", calls[2].SQL)
	require.Equal(t, []string{"id", "tenant"}, calls[2].Keys)
}
