package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCluster      = []byte("cluster")
	bucketNodes        = []byte("nodes")
	bucketCredentials  = []byte("credentials")
	bucketCertificates = []byte("certificates")
	bucketBackups      = []byte("backups")
	bucketClusterSet   = []byte("clusterset")
	bucketFlags        = []byte("flags")
)

// The cluster and cluster-set buckets hold a single record each.
var (
	keyCluster    = []byte("cluster")
	keyClusterSet = []byte("clusterset")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "grove.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCluster,
			bucketNodes,
			bucketCredentials,
			bucketCertificates,
			bucketBackups,
			bucketClusterSet,
			bucketFlags,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Cluster operations
func (s *BoltStore) PutCluster(cluster *types.Cluster) error {
	return s.put(bucketCluster, keyCluster, cluster)
}

func (s *BoltStore) GetCluster() (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCluster).Get(keyCluster)
		if data == nil {
			return errdefs.NotFound("cluster")
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) DeleteCluster() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCluster).Delete(keyCluster)
	})
}

// Node operations
func (s *BoltStore) PutNode(node *types.Node) error {
	return s.put(bucketNodes, []byte(node.ID), node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("node %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// Credential operations
func (s *BoltStore) PutCredential(cred *types.Credential) error {
	return s.put(bucketCredentials, []byte(cred.Name), cred)
}

func (s *BoltStore) GetCredential(name string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(name))
		if data == nil {
			return errdefs.NotFound("credential %s", name)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(name))
	})
}

// Certificate operations
func (s *BoltStore) PutCertificate(cert *types.Certificate) error {
	return s.put(bucketCertificates, []byte(cert.ID), cert)
}

func (s *BoltStore) GetCertificate(id string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("certificate %s", id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates() ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

// Backup operations
func (s *BoltStore) PutBackup(backup *types.Backup) error {
	return s.put(bucketBackups, []byte(backup.ID), backup)
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("backup %s", id)
		}
		return json.Unmarshal(data, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackups() ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			backups = append(backups, &backup)
			return nil
		})
	})
	return backups, err
}

// Cluster set operations
func (s *BoltStore) PutClusterSet(set *types.ClusterSet) error {
	return s.put(bucketClusterSet, keyClusterSet, set)
}

func (s *BoltStore) GetClusterSet() (*types.ClusterSet, error) {
	var set types.ClusterSet
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusterSet).Get(keyClusterSet)
		if data == nil {
			return errdefs.NotFound("cluster set")
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// Flag operations
func (s *BoltStore) SetFlag(name, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFlags).Put([]byte(name), []byte(holder))
	})
}

func (s *BoltStore) GetFlag(name string) (string, bool, error) {
	var holder string
	var set bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFlags).Get([]byte(name))
		if data == nil {
			return nil
		}
		// Copy: bolt data is only valid inside the transaction.
		holder = string(data)
		set = true
		return nil
	})
	return holder, set, err
}

func (s *BoltStore) ClearFlag(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFlags).Delete([]byte(name))
	})
}
