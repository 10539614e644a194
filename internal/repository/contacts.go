package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/models"
)

// ContactRepository 联系人仓库
type ContactRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactRepository 创建联系人仓库
func NewContactRepository(db *sql.DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{
		db:     db,
		logger: logger,
	}
}

// GetContacts 获取用户的全部联系人
func (r *ContactRepository) GetContacts(ctx context.Context, userID string) ([]models.Contact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			contact_id,
			user_id,
			name,
			phone_number,
			relationship,
			role,
			verified,
			favorite,
			email,
			notes
		FROM contacts
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		err := rows.Scan(
			&c.ContactID,
			&c.UserID,
			&c.Name,
			&c.PhoneNumber,
			&c.Relationship,
			&c.Role,
			&c.Verified,
			&c.Favorite,
			&c.Email,
			&c.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}

// CreateContact 创建联系人
func (r *ContactRepository) CreateContact(ctx context.Context, contact *models.Contact) error {
	if contact.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if contact.PhoneNumber == "" {
		return fmt.Errorf("phone_number is required")
	}

	query := `
		INSERT INTO contacts (
			contact_id, user_id, name, phone_number, relationship,
			role, verified, favorite, email, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		contact.ContactID,
		contact.UserID,
		contact.Name,
		contact.PhoneNumber,
		contact.Relationship,
		contact.Role,
		contact.Verified,
		contact.Favorite,
		contact.Email,
		contact.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}

	return nil
}

// DeleteContact 删除联系人
func (r *ContactRepository) DeleteContact(ctx context.Context, userID, contactID string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE contact_id = $1 AND user_id = $2`,
		contactID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("contact not found: %s", contactID)
	}

	return nil
}

// MarkVerified 将手机号对应的联系人标记为已验证
// OTP 校验成功后由验证器调用，是联系人信任标志的唯一提升路径
func (r *ContactRepository) MarkVerified(ctx context.Context, phoneNumber string) error {
	if phoneNumber == "" {
		return fmt.Errorf("phone_number is required")
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET verified = true WHERE phone_number = $1`,
		phoneNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to mark contact verified: %w", err)
	}

	r.logger.Info("Contact marked verified",
		zap.String("phone_number", phoneNumber),
	)

	return nil
}
