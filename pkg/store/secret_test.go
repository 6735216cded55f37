package store

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/agenshield/agenshield/pkg/scope"
)

func secretsByName(list []*Secret) map[string]*Secret {
	m := make(map[string]*Secret, len(list))
	for _, s := range list {
		m[s.Name] = s
	}
	return m
}

func TestSecretCreateRequiresUnlock(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	keys.setUnlocked(false)

	_, err := s.Secrets(nil, keys).Create(SecretInput{Name: "API_KEY", Value: "sk-123"})
	if !errors.Is(err, ErrStorageLocked) {
		t.Fatalf("Create while locked error = %v, want ErrStorageLocked", err)
	}
	if n := countRows(t, s.DB(), "secrets", "1=1"); n != 0 {
		t.Errorf("locked create stored %d rows", n)
	}

	if _, err := s.Secrets(nil, nil).Create(SecretInput{Name: "API_KEY", Value: "sk-123"}); !errors.Is(err, ErrStorageLocked) {
		t.Errorf("Create without key source error = %v, want ErrStorageLocked", err)
	}
}

func TestSecretValueIsEncryptedAtRest(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)

	created, err := s.Secrets(nil, keys).Create(SecretInput{Name: "DB_URL", Value: "postgres://user:hunter2@db/app"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Value != "postgres://user:hunter2@db/app" {
		t.Errorf("Create returned value %q", created.Value)
	}

	var stored string
	if err := s.DB().QueryRow("SELECT value FROM secrets WHERE id = ?", created.ID).Scan(&stored); err != nil {
		t.Fatalf("read stored value failed: %v", err)
	}
	if strings.Contains(stored, "hunter2") {
		t.Error("plaintext found in the database")
	}

	got, err := s.Secrets(nil, keys).GetByID(created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Value != "postgres://user:hunter2@db/app" {
		t.Errorf("GetByID value = %q", got.Value)
	}
}

func TestSecretScopeInference(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	policy, err := s.Policies(nil).Create(commandPolicy("curl", nil))
	if err != nil {
		t.Fatalf("Create policy failed: %v", err)
	}
	repo := s.Secrets(nil, keys)

	tests := []struct {
		name      string
		in        SecretInput
		wantScope SecretScope
		wantLinks []string
	}{
		{"no policies", SecretInput{Name: "A", Value: "1"}, SecretScopeGlobal, []string{}},
		{"with policies", SecretInput{Name: "B", Value: "2", PolicyIDs: []string{policy.ID}}, SecretScopePoliced, []string{policy.ID}},
		{"standalone skips links", SecretInput{Name: "C", Value: "3", Scope: SecretScopeStandalone, PolicyIDs: []string{policy.ID}}, SecretScopeStandalone, []string{}},
		{"explicit global", SecretInput{Name: "D", Value: "4", Scope: SecretScopeGlobal}, SecretScopeGlobal, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := repo.Create(tt.in)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if created.Scope != tt.wantScope {
				t.Errorf("scope = %q, want %q", created.Scope, tt.wantScope)
			}
			if !reflect.DeepEqual(created.PolicyIDs, tt.wantLinks) {
				t.Errorf("policy ids = %v, want %v", created.PolicyIDs, tt.wantLinks)
			}
			if n := countRows(t, s.DB(), "secret_policies", "secret_id = ?", created.ID); n != len(tt.wantLinks) {
				t.Errorf("junction rows = %d, want %d", n, len(tt.wantLinks))
			}
		})
	}
}

func TestSecretCreateIsAtomic(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	policy, _ := s.Policies(nil).Create(commandPolicy("curl", nil))

	_, err := s.Secrets(nil, keys).Create(SecretInput{
		Name:      "TOKEN",
		Value:     "v",
		PolicyIDs: []string{policy.ID, "no-such-policy"},
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("Create with unknown policy error = %v, want ErrConstraint", err)
	}
	if n := countRows(t, s.DB(), "secrets", "1=1"); n != 0 {
		t.Errorf("secret row survived a failed link insert: %d rows", n)
	}
	if n := countRows(t, s.DB(), "secret_policies", "1=1"); n != 0 {
		t.Errorf("junction rows survived a failed create: %d rows", n)
	}
}

func TestSecretCreateValidation(t *testing.T) {
	s := setupStore(t)
	repo := s.Secrets(nil, newTestKeys(t))

	tests := []struct {
		name string
		in   SecretInput
	}{
		{"empty name", SecretInput{Name: "", Value: "x"}},
		{"space in name", SecretInput{Name: "MY KEY", Value: "x"}},
		{"leading digit", SecretInput{Name: "1KEY", Value: "x"}},
		{"bad scope", SecretInput{Name: "K", Value: "x", Scope: "everywhere"}},
		{"duplicate policy ids", SecretInput{Name: "K", Value: "x", PolicyIDs: []string{"p", "p"}}},
		{"oversized value", SecretInput{Name: "K", Value: strings.Repeat("x", MaxSecretValueSize+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.Create(tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("Create error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSecretDuplicateNameAtSameLevel(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)
	keys := newTestKeys(t)

	if _, err := s.Secrets(scope.Global(), keys).Create(SecretInput{Name: "K", Value: "1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Secrets(scope.Global(), keys).Create(SecretInput{Name: "K", Value: "2"}); !errors.Is(err, ErrConstraint) {
		t.Errorf("duplicate global name error = %v, want ErrConstraint", err)
	}
	if _, err := s.Secrets(scope.Target("t1"), keys).Create(SecretInput{Name: "K", Value: "3"}); err != nil {
		t.Errorf("same name at a different level failed: %v", err)
	}
}

func TestSecretMostSpecificWins(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)
	keys := newTestKeys(t)

	for _, c := range []struct {
		filter *scope.Filter
		name   string
		value  string
	}{
		{scope.Global(), "DB_URL", "global-db"},
		{scope.Target("t1"), "DB_URL", "t1-db"},
		{scope.User("t1", "alice"), "DB_URL", "alice-db"},
		{scope.Global(), "API_KEY", "global-api"},
		{scope.Target("t1"), "ONLY_T1", "t1-only"},
		{scope.Target("t2"), "API_KEY", "t2-api"},
	} {
		if _, err := s.Secrets(c.filter, keys).Create(SecretInput{Name: c.name, Value: c.value}); err != nil {
			t.Fatalf("Create %s at %s failed: %v", c.name, c.filter, err)
		}
	}

	tests := []struct {
		name   string
		filter *scope.Filter
		want   map[string]string
	}{
		{"global", scope.Global(), map[string]string{"DB_URL": "global-db", "API_KEY": "global-api"}},
		{"target", scope.Target("t1"), map[string]string{"DB_URL": "t1-db", "API_KEY": "global-api", "ONLY_T1": "t1-only"}},
		{"user", scope.User("t1", "alice"), map[string]string{"DB_URL": "alice-db", "API_KEY": "global-api", "ONLY_T1": "t1-only"}},
		{"sibling user", scope.User("t1", "bob"), map[string]string{"DB_URL": "t1-db", "API_KEY": "global-api", "ONLY_T1": "t1-only"}},
		{"other target", scope.Target("t2"), map[string]string{"DB_URL": "global-db", "API_KEY": "t2-api"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := s.Secrets(tt.filter, keys)

			all, err := repo.GetAll()
			if err != nil {
				t.Fatalf("GetAll failed: %v", err)
			}
			got := map[string]string{}
			for _, sec := range all {
				got[sec.Name] = sec.Value
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetAll = %v, want %v", got, tt.want)
			}

			for name, want := range tt.want {
				sec, err := repo.GetByName(name)
				if err != nil {
					t.Fatalf("GetByName(%s) failed: %v", name, err)
				}
				if sec == nil || sec.Value != want {
					t.Errorf("GetByName(%s) = %+v, want value %q", name, sec, want)
				}
			}

			if n, _ := repo.Count(); n != len(tt.want) {
				t.Errorf("Count = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestSecretGetByNameUnscoped(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	repo := s.Secrets(nil, keys)

	if _, err := repo.Create(SecretInput{Name: "K", Value: "v"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := repo.GetByName("K")
	if err != nil || got == nil || got.Value != "v" {
		t.Errorf("GetByName = %+v, %v", got, err)
	}
	missing, err := repo.GetByName("MISSING")
	if err != nil || missing != nil {
		t.Errorf("GetByName(missing) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestSecretMaskedReadWhileLocked(t *testing.T) {
	s := setupStore(t)
	seedTenancy(t, s)
	keys := newTestKeys(t)

	for _, f := range []*scope.Filter{scope.Global(), scope.Target("t1")} {
		if _, err := s.Secrets(f, keys).Create(SecretInput{Name: "TOKEN", Value: "real-value"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	keys.setUnlocked(false)

	repo := s.Secrets(scope.Target("t1"), keys)
	masked, err := repo.GetAllMasked()
	if err != nil {
		t.Fatalf("GetAllMasked failed: %v", err)
	}
	if len(masked) != 1 {
		t.Fatalf("GetAllMasked returned %d rows, want 1 after scope resolution", len(masked))
	}
	if masked[0].Value != MaskedValue {
		t.Errorf("masked value = %q, want %q", masked[0].Value, MaskedValue)
	}
	if masked[0].TargetID == nil || *masked[0].TargetID != "t1" {
		t.Errorf("masked row owner = %v, want t1", masked[0].TargetID)
	}

	if _, err := repo.GetAll(); !errors.Is(err, ErrStorageLocked) {
		t.Errorf("GetAll while locked error = %v, want ErrStorageLocked", err)
	}
	if _, err := repo.GetByName("TOKEN"); !errors.Is(err, ErrStorageLocked) {
		t.Errorf("GetByName while locked error = %v, want ErrStorageLocked", err)
	}
	if _, err := repo.GetByID(masked[0].ID); !errors.Is(err, ErrStorageLocked) {
		t.Errorf("GetByID while locked error = %v, want ErrStorageLocked", err)
	}
}

func TestSecretUpdate(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	repo := s.Secrets(nil, keys)
	p1, _ := s.Policies(nil).Create(commandPolicy("one", nil))
	p2, _ := s.Policies(nil).Create(commandPolicy("two", nil))

	created, err := repo.Create(SecretInput{Name: "TOKEN", Value: "v1", PolicyIDs: []string{p1.ID}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var before string
	s.DB().QueryRow("SELECT value FROM secrets WHERE id = ?", created.ID).Scan(&before)

	// Relinking alone leaves the ciphertext untouched.
	links := []string{p2.ID, p1.ID}
	updated, err := repo.Update(created.ID, SecretPatch{PolicyIDs: &links})
	if err != nil {
		t.Fatalf("Update links failed: %v", err)
	}
	if !reflect.DeepEqual(updated.PolicyIDs, links) {
		t.Errorf("policy ids = %v, want %v", updated.PolicyIDs, links)
	}
	var after string
	s.DB().QueryRow("SELECT value FROM secrets WHERE id = ?", created.ID).Scan(&after)
	if before != after {
		t.Error("ciphertext changed without a new value")
	}
	if updated.Value != "v1" {
		t.Errorf("value = %q, want v1", updated.Value)
	}

	value := "v2"
	updated, err = repo.Update(created.ID, SecretPatch{Value: &value})
	if err != nil {
		t.Fatalf("Update value failed: %v", err)
	}
	if updated.Value != "v2" || !reflect.DeepEqual(updated.PolicyIDs, links) {
		t.Errorf("Update value = %+v", updated)
	}

	standalone := SecretScopeStandalone
	updated, err = repo.Update(created.ID, SecretPatch{Scope: &standalone})
	if err != nil {
		t.Fatalf("Update scope failed: %v", err)
	}
	if updated.Scope != SecretScopeStandalone || len(updated.PolicyIDs) != 0 {
		t.Errorf("standalone secret kept links: %+v", updated)
	}

	if got, err := repo.Update("missing", SecretPatch{Value: &value}); err != nil || got != nil {
		t.Errorf("Update(missing) = %+v, %v; want nil, nil", got, err)
	}
}

func TestSecretUpdateWhileLocked(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	repo := s.Secrets(nil, keys)

	created, err := repo.Create(SecretInput{Name: "TOKEN", Value: "v1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keys.setUnlocked(false)

	value := "v2"
	if _, err := repo.Update(created.ID, SecretPatch{Value: &value}); !errors.Is(err, ErrStorageLocked) {
		t.Errorf("Update value while locked error = %v, want ErrStorageLocked", err)
	}

	name := "RENAMED"
	updated, err := repo.Update(created.ID, SecretPatch{Name: &name})
	if err != nil {
		t.Fatalf("Update name while locked failed: %v", err)
	}
	if updated.Name != "RENAMED" || updated.Value != MaskedValue {
		t.Errorf("Update while locked = %+v, want renamed and masked", updated)
	}

	keys.setUnlocked(true)
	got, _ := repo.GetByID(created.ID)
	if got == nil || got.Value != "v1" {
		t.Errorf("value after locked rename = %+v, want v1", got)
	}
}

func TestSecretDeleteWhileLocked(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	repo := s.Secrets(nil, keys)
	p, _ := s.Policies(nil).Create(commandPolicy("curl", nil))

	created, err := repo.Create(SecretInput{Name: "TOKEN", Value: "v", PolicyIDs: []string{p.ID}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keys.setUnlocked(false)

	ok, err := repo.Delete(created.ID)
	if err != nil || !ok {
		t.Fatalf("Delete while locked = %v, %v; want true, nil", ok, err)
	}
	if n := countRows(t, s.DB(), "secret_policies", "1=1"); n != 0 {
		t.Errorf("junction rows after delete = %d, want 0", n)
	}
}

func TestSecretDeletingPolicyUnlinks(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	p, _ := s.Policies(nil).Create(commandPolicy("curl", nil))
	repo := s.Secrets(nil, keys)

	created, err := repo.Create(SecretInput{Name: "TOKEN", Value: "v", PolicyIDs: []string{p.ID}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Policies(nil).Delete(p.ID); err != nil {
		t.Fatalf("Delete policy failed: %v", err)
	}

	got, err := repo.GetByID(created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(got.PolicyIDs) != 0 {
		t.Errorf("policy ids after policy delete = %v, want none", got.PolicyIDs)
	}
}

func TestSecretGetByPolicy(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	repo := s.Secrets(nil, keys)
	curl, _ := s.Policies(nil).Create(commandPolicy("curl", nil))
	git, _ := s.Policies(nil).Create(commandPolicy("git", nil))

	for _, in := range []SecretInput{
		{Name: "CURL_TOKEN", Value: "c", PolicyIDs: []string{curl.ID}},
		{Name: "GIT_TOKEN", Value: "g", PolicyIDs: []string{git.ID}},
		{Name: "SHARED", Value: "s", PolicyIDs: []string{curl.ID, git.ID}},
		{Name: "EVERYWHERE", Value: "e"},
	} {
		if _, err := repo.Create(in); err != nil {
			t.Fatalf("Create %s failed: %v", in.Name, err)
		}
	}

	linked, err := repo.GetByPolicy(curl.ID)
	if err != nil {
		t.Fatalf("GetByPolicy failed: %v", err)
	}
	got := secretsByName(linked)
	if len(got) != 2 || got["CURL_TOKEN"] == nil || got["SHARED"] == nil {
		t.Errorf("GetByPolicy = %v, want CURL_TOKEN and SHARED", got)
	}
	if got["CURL_TOKEN"] != nil && got["CURL_TOKEN"].Value != "c" {
		t.Errorf("linked value = %q, want decrypted", got["CURL_TOKEN"].Value)
	}
}

func TestSecretWrongKeyFailsToDecrypt(t *testing.T) {
	s := setupStore(t)
	keys := newTestKeys(t)
	created, err := s.Secrets(nil, keys).Create(SecretInput{Name: "K", Value: "v"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := newTestKeys(t)
	if _, err := s.Secrets(nil, other).GetByID(created.ID); err == nil {
		t.Error("GetByID with the wrong key should fail")
	}
}
