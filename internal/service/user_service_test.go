package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"movie-mate-go/internal/model"
	"movie-mate-go/pkg/token"
)

// fakeUserRepo 是用户持久层的内存替身。
type fakeUserRepo struct {
	users  map[string]*model.User
	nextID uint
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (r *fakeUserRepo) Create(user *model.User) error {
	r.nextID++
	user.ID = r.nextID
	r.users[user.Username] = user
	return nil
}

func (r *fakeUserRepo) FindByUsername(username string) (*model.User, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) FindByID(userID uint) (*model.User, error) {
	for _, u := range r.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) FindAll() ([]model.User, error) {
	var out []model.User
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out, nil
}

func newTestUserService(repo *fakeUserRepo) UserService {
	return NewUserService(repo, token.NewJWTManager("test-secret", 1, 7))
}

func TestRegisterAndLogin(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestUserService(repo)

	user, err := svc.Register("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "USER", user.Role)
	// 密码只保存哈希
	assert.NotEqual(t, "s3cret", user.Password)

	access, refresh, err := svc.Login("alice", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := newTestUserService(newFakeUserRepo())

	_, err := svc.Register("bob", "pw1")
	require.NoError(t, err)

	_, err = svc.Register("bob", "pw2")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestUserService(newFakeUserRepo())
	_, err := svc.Register("carol", "right-password")
	require.NoError(t, err)

	_, _, err = svc.Login("carol", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login("nobody", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshTokenIssuesNewPair(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestUserService(repo)
	_, err := svc.Register("dave", "pw")
	require.NoError(t, err)

	_, refresh, err := svc.Login("dave", "pw")
	require.NoError(t, err)

	newAccess, newRefresh, err := svc.RefreshToken(refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, newAccess)
	assert.NotEmpty(t, newRefresh)
}

func TestRefreshTokenRejectsGarbage(t *testing.T) {
	svc := newTestUserService(newFakeUserRepo())

	_, _, err := svc.RefreshToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// 令牌持有者对应的用户被删除后，refresh 不再有效。
func TestRefreshTokenRejectsDeletedUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestUserService(repo)
	_, err := svc.Register("eve", "pw")
	require.NoError(t, err)

	_, refresh, err := svc.Login("eve", "pw")
	require.NoError(t, err)

	delete(repo.users, "eve")
	_, _, err = svc.RefreshToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
