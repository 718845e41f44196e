// Package users backs author autocompletion with an external user
// directory. Nothing here authenticates anyone.
package users

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/untoldecay/elogd/internal/types"
)

// Directory finds users matching a free text query.
type Directory interface {
	Search(ctx context.Context, query string) ([]types.User, error)
}

// Null is the directory used when none is configured.
type Null struct{}

func (Null) Search(context.Context, string) ([]types.User, error) {
	return nil, nil
}

// Passwd reads users from a passwd format file, matching the query
// against login and full name.
type Passwd struct {
	// Path of the file; /etc/passwd when empty.
	Path string
}

func (p *Passwd) Search(_ context.Context, query string) ([]types.User, error) {
	path := p.Path
	if path == "" {
		path = "/etc/passwd"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open passwd file: %w", err)
	}
	defer f.Close()

	query = strings.ToLower(query)
	var users []types.User
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 5 {
			continue
		}
		login := fields[0]
		// The gecos field holds the full name before the first comma.
		name, _, _ := strings.Cut(fields[4], ",")
		if name == "" {
			name = login
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(login), query) &&
			!strings.Contains(strings.ToLower(name), query) {
			continue
		}
		users = append(users, types.User{Login: login, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passwd file: %w", err)
	}
	return users, nil
}

// LDAP queries an LDAP server for users.
type LDAP struct {
	// URL of the server, e.g. ldap://ldap.example.org:389.
	URL string
	// BaseDN to search below.
	BaseDN string
	// Attributes; defaults cover common schemas.
	LoginAttr string
	NameAttr  string
	MailAttr  string
}

func (l *LDAP) Search(ctx context.Context, query string) ([]types.User, error) {
	loginAttr := l.LoginAttr
	if loginAttr == "" {
		loginAttr = "uid"
	}
	nameAttr := l.NameAttr
	if nameAttr == "" {
		nameAttr = "cn"
	}
	mailAttr := l.MailAttr
	if mailAttr == "" {
		mailAttr = "mail"
	}

	conn, err := ldap.DialURL(l.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	escaped := ldap.EscapeFilter(query)
	filter := fmt.Sprintf("(|(%s=*%s*)(%s=*%s*))",
		loginAttr, escaped, nameAttr, escaped)
	req := ldap.NewSearchRequest(l.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 50, 10, false,
		filter, []string{loginAttr, nameAttr, mailAttr}, nil)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("LDAP search failed: %w", err)
	}

	users := make([]types.User, 0, len(res.Entries))
	for _, entry := range res.Entries {
		users = append(users, types.User{
			Login: entry.GetAttributeValue(loginAttr),
			Name:  entry.GetAttributeValue(nameAttr),
			Email: entry.GetAttributeValue(mailAttr),
		})
	}
	return users, nil
}
