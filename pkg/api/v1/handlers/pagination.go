package handlers

import "github.com/meetmemo/pipeline/internal/db/models"

// getPaginationOptions returns a ListOptions struct for the given 1-based page
func getPaginationOptions(page int) *models.ListOptions {
	if page < 1 {
		page = 1
	}
	return &models.ListOptions{
		Limit:  models.DefaultLimit,
		Offset: (page - 1) * models.DefaultLimit,
	}
}
