package store

// forceRow writes a row verbatim to plant expired or corrupt records.
func (s *SQLite) forceRow(row screenshotRow) error {
	return s.db.Save(&row).Error
}
