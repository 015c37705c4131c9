package member_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lxmf_group/internal/model"
	"lxmf_group/internal/repository/member"
)

const alice = "0123456789abcdef0123456789abcdef"

func TestFileRepoWritesDefaultData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cfg")
	repo := member.NewFileRepo(path)

	sections, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var names []string
	for _, s := range sections {
		names = append(names, s.Name)
		if len(s.Members) != 0 {
			t.Fatalf("expected empty section %s", s.Name)
		}
	}
	if strings.Join(names, ",") != "send,receive,receive_send" {
		t.Fatalf("unexpected sections %v", names)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected data file: %v", err)
	}
}

func TestFileRepoLoadSkipsInvalidKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cfg")
	content := "[send]\nany\n\n[receive_send]\n" + strings.ToUpper(alice) + " = Alice # admin\nnot-an-address = Bob\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sections, err := member.NewFileRepo(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if m := sections[0].Members; len(m) != 1 || !m[0].Wildcard || m[0].Key != "any" {
		t.Fatalf("expected wildcard member, got %+v", m)
	}
	m := sections[1].Members
	if len(m) != 1 {
		t.Fatalf("expected invalid key to be skipped, got %+v", m)
	}
	if m[0].Address.Hex() != alice || m[0].DisplayName != "Alice" || m[0].Key != alice {
		t.Fatalf("unexpected member %+v", m[0])
	}
}

func TestFileRepoSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cfg")
	repo := member.NewFileRepo(path)
	addr, _ := model.ParseAddress(alice)

	in := []model.Section{
		{Name: "send", Members: []model.Member{{Key: "anybody", Wildcard: true}}},
		{Name: "receive"},
		{Name: "receive_send", Members: []model.Member{{Key: alice, Address: addr, DisplayName: "Alice"}}},
	}
	if err := repo.Save(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(raw), "# This is the data file.") {
		t.Fatalf("expected header, got:\n%s", raw)
	}

	out, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 3 || out[1].Name != "receive" || len(out[1].Members) != 0 {
		t.Fatalf("unexpected sections %+v", out)
	}
	if !out[0].Members[0].Wildcard || out[0].Members[0].Key != "anybody" {
		t.Fatalf("unexpected wildcard %+v", out[0].Members)
	}
	rs := out[2].Members
	if len(rs) != 1 || rs[0].DisplayName != "Alice" {
		t.Fatalf("expected one member named Alice, got %+v", rs)
	}
}
