package bundoc

import (
	"encoding/json"

	"github.com/MonoLite-db/MonoLiteTS-sub001/rules"
	"github.com/MonoLite-db/MonoLiteTS-sub001/security"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// InternalUserStore implements security.UserStore on top of the database's
// own collection machinery, storing each user document under its username
// as "_id" in a reserved system collection.
type InternalUserStore struct {
	db *Database
}

func NewInternalUserStore(db *Database) *InternalUserStore {
	return &InternalUserStore{db: db}
}

const UserCollectionName = "admin.users"

// adminAuth bypasses CEL rule evaluation for the system user store, which
// must be able to read/write admin.users regardless of any rules a client
// has set on it.
var adminAuth = &rules.AuthContext{IsAdmin: true}

func (s *InternalUserStore) userCollection() (*Collection, error) {
	coll, err := s.db.GetCollection(UserCollectionName)
	if err == nil {
		return coll, nil
	}
	return s.db.CreateCollection(UserCollectionName)
}

func (s *InternalUserStore) GetUser(username string) (*security.User, error) {
	coll, err := s.userCollection()
	if err != nil {
		return nil, err
	}

	t, err := s.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	defer s.db.RollbackTransaction(t)

	doc, err := coll.FindByID(adminAuth, t, username)
	if err != nil {
		return nil, err
	}
	if err := s.db.CommitTransaction(t); err != nil {
		return nil, err
	}
	return documentToUser(doc)
}

func (s *InternalUserStore) SaveUser(user *security.User) error {
	coll, err := s.userCollection()
	if err != nil {
		return err
	}

	t, err := s.db.BeginTransaction()
	if err != nil {
		return err
	}
	defer s.db.RollbackTransaction(t)

	doc, err := userToDocument(user)
	if err != nil {
		return err
	}

	if _, err := coll.FindByID(adminAuth, t, user.Username); err != nil {
		if err := coll.Insert(adminAuth, t, doc); err != nil {
			return err
		}
	} else {
		if err := coll.Update(adminAuth, t, user.Username, doc); err != nil {
			return err
		}
	}

	return s.db.CommitTransaction(t)
}

func (s *InternalUserStore) DeleteUser(username string) error {
	coll, err := s.userCollection()
	if err != nil {
		return err
	}

	t, err := s.db.BeginTransaction()
	if err != nil {
		return err
	}
	defer s.db.RollbackTransaction(t)

	if err := coll.Delete(adminAuth, t, username); err != nil {
		return err
	}
	return s.db.CommitTransaction(t)
}

func (s *InternalUserStore) ListUsers() ([]*security.User, error) {
	coll, err := s.userCollection()
	if err != nil {
		return nil, err
	}

	t, err := s.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	defer s.db.RollbackTransaction(t)

	docs, err := coll.List(adminAuth, t, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := s.db.CommitTransaction(t); err != nil {
		return nil, err
	}

	users := make([]*security.User, 0, len(docs))
	for _, doc := range docs {
		u, err := documentToUser(doc)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Helpers

func userToDocument(u *security.User) (storage.Document, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var doc storage.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["_id"] = u.Username
	return doc, nil
}

func documentToUser(doc storage.Document) (*security.User, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var u security.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
