package keystore

import (
	"encoding/hex"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"sophos/pkg/sophos"
)

// keywordRow is the GORM model backing MySQL, one row per keyword ever
// updated. Token is stored hex-encoded since its length varies with the
// configured TDP modulus size.
type keywordRow struct {
	Keyword string `gorm:"primaryKey;size:191"`
	Token   string `gorm:"size:1024"`
	Counter uint64
}

func (keywordRow) TableName() string { return "sophos_keywords" }

// MySQL is a Store backed by a MySQL table, for clients that need the
// keyword state to survive a restart without re-deriving it from a full
// update log.
type MySQL struct {
	db *gorm.DB
}

// MySQLSetup opens dsn and migrates the keyword table, mirroring
// HDXT.MySQLSetup's connect-ping-migrate sequence.
func MySQLSetup(dsn string) (*MySQL, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&keywordRow{}); err != nil {
		return nil, err
	}
	return &MySQL{db: db}, nil
}

// Get implements Store.
func (m *MySQL) Get(w string) (Entry, bool) {
	var row keywordRow
	res := m.db.First(&row, "keyword = ?", w)
	if res.Error != nil {
		return Entry{}, false
	}
	tok, err := hex.DecodeString(row.Token)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Token: sophos.SearchToken(tok), Counter: row.Counter}, true
}

// Set implements Store.
func (m *MySQL) Set(w string, e Entry) {
	row := keywordRow{
		Keyword: w,
		Token:   hex.EncodeToString(e.Token),
		Counter: e.Counter,
	}
	m.db.Save(&row)
}

// Keys implements Store.
func (m *MySQL) Keys() mapset.Set[string] {
	var rows []keywordRow
	out := mapset.NewThreadUnsafeSet[string]()
	if err := m.db.Select("keyword").Find(&rows).Error; err != nil {
		return out
	}
	for _, r := range rows {
		out.Add(r.Keyword)
	}
	return out
}
