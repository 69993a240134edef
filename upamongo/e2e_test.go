package upamongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lemmego/upa"
	"github.com/stretchr/testify/suite"
)

type User struct {
	ID   int64  `upa:"id,pk"`
	Name string `upa:"name,index"`
}

type MongoBackendTestSuite struct {
	suite.Suite
	backend *Backend
	users   *upa.Repository[User]
	ctx     context.Context
}

func (s *MongoBackendTestSuite) SetupSuite() {
	s.ctx = context.Background()
	cfg := upa.Config{
		Driver:         "mongodb",
		ConnectionURL:  os.Getenv("UPA_MONGO_URL"),
		Database:       "upa_test",
		ConnectTimeout: 2 * time.Second,
		Options: map[string]interface{}{
			"mongo": map[string]interface{}{
				"max_pool_size": 10,
				"min_pool_size": 1,
			},
		},
	}
	backend, err := Open(s.ctx, cfg)
	if err != nil {
		s.T().Skip("MongoDB not available for testing:", err)
		return
	}
	s.backend = backend

	s.users, err = upa.NewRepository[User](backend)
	s.Require().NoError(err)
}

func (s *MongoBackendTestSuite) TearDownSuite() {
	if s.backend != nil {
		_ = s.backend.Database().Drop(s.ctx)
		_ = s.backend.Close()
	}
}

func (s *MongoBackendTestSuite) SetupTest() {
	s.Require().NoError(s.backend.Database().Collection("users").Drop(s.ctx))
	s.Require().NoError(s.users.EnsureSchema(s.ctx))
}

func (s *MongoBackendTestSuite) TestCRUD() {
	s.Require().NoError(s.users.Create(s.ctx, &User{ID: 1, Name: "Ann"}))

	got, err := s.users.FindByID(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(&User{ID: 1, Name: "Ann"}, got)

	one, err := s.users.FindOne(s.ctx, upa.WhereLike("name", "A_n"))
	s.Require().NoError(err)
	s.Equal(int64(1), one.ID)

	err = s.users.Create(s.ctx, &User{ID: 1, Name: "Ann"})
	s.True(upa.IsDuplicate(err), "got %v", err)

	n, err := s.users.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	s.Require().NoError(s.users.Update(s.ctx, &User{ID: 1, Name: "Anne"}))
	s.Require().NoError(s.users.Update(s.ctx, &User{ID: 1, Name: "Anne"}), "unchanged document still matches")

	s.Require().NoError(s.users.Delete(s.ctx, 1))
	_, err = s.users.FindByID(s.ctx, 1)
	s.True(upa.IsNotFound(err), "got %v", err)
	s.True(upa.IsNotFound(s.users.Update(s.ctx, &User{ID: 1, Name: "Ghost"})))
}

func (s *MongoBackendTestSuite) TestQueries() {
	for i, name := range []string{"Ann", "Bob", "Cid", "Dee"} {
		s.Require().NoError(s.users.Create(s.ctx, &User{ID: int64(i + 1), Name: name}))
	}

	found, err := s.users.FindMany(s.ctx,
		upa.Not(upa.WhereCondition("name", upa.OpEqual, "Bob")),
		upa.OrderBy("id", upa.OrderDesc),
		upa.Offset(1))
	s.Require().NoError(err)
	s.Len(found, 2)
	s.Equal("Cid", found[0].Name)

	page, err := s.users.FindPage(s.ctx, 3, nil, upa.OrderBy("id", upa.OrderAsc))
	s.Require().NoError(err)
	s.Len(page.Items, 3)
	s.NotNil(page.Next)

	page, err = s.users.FindPage(s.ctx, 3, page.Next, upa.OrderBy("id", upa.OrderAsc))
	s.Require().NoError(err)
	s.Len(page.Items, 1)
	s.Nil(page.Next)

	removed, err := s.users.DeleteWhere(s.ctx, upa.WhereIn("name", []interface{}{"Ann", "Dee"}))
	s.Require().NoError(err)
	s.Equal(int64(2), removed)
}

func TestMongoBackendTestSuite(t *testing.T) {
	suite.Run(t, new(MongoBackendTestSuite))
}
