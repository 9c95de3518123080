// Package export builds the product catalog spreadsheet consumed by the
// storefront import. Catalog rows come from the cart platform; on-hand
// stock quantities come from the order-management database.
package export

import (
	"context"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"triggermail/internal/types"
)

// catalogSheet is the worksheet name in the generated workbook.
const catalogSheet = "Catalog"

// catalogHeader is the column layout the storefront importer expects.
var catalogHeader = []string{
	"sku", "name", "price", "short_description", "description",
	"weight", "category", "image", "thumbnail", "stock_qty",
}

// shortDescriptionLimit truncates the short description column.
const shortDescriptionLimit = 255

// ProductSource abstracts the cart platform's catalog listing.
type ProductSource interface {
	GetProducts(ctx context.Context) ([]types.Product, error)
}

// StockSource abstracts the on-hand quantity lookup against the order
// database.
type StockSource interface {
	StockUnits(ctx context.Context, sku string) (int, error)
}

// CatalogExporter writes the product catalog to an xlsx workbook.
type CatalogExporter struct {
	products ProductSource
	stock    StockSource
	logger   *slog.Logger
}

// NewCatalogExporter creates a CatalogExporter over the given sources.
func NewCatalogExporter(products ProductSource, stock StockSource, logger *slog.Logger) *CatalogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogExporter{products: products, stock: stock, logger: logger}
}

// Export fetches the catalog, joins stock quantities, and writes the
// workbook to path. Returns the number of product rows written.
func (e *CatalogExporter) Export(ctx context.Context, path string) (int, error) {
	products, err := e.products.GetProducts(ctx)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet, err := f.NewSheet(catalogSheet)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeExportWrite, "failed to create catalog sheet", err)
	}
	f.SetActiveSheet(sheet)
	// Drop the default sheet so the workbook has only the catalog.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, types.NewAppError(types.ErrCodeExportWrite, "failed to drop default sheet", err)
	}

	header := make([]any, len(catalogHeader))
	for i, h := range catalogHeader {
		header[i] = h
	}
	if err := writeRow(f, 1, header); err != nil {
		return 0, err
	}

	for i, p := range products {
		qty, err := e.stock.StockUnits(ctx, p.SKU)
		if err != nil {
			return 0, err
		}

		row := []any{
			p.SKU,
			p.Title,
			p.Price,
			truncate(p.Description, shortDescriptionLimit),
			p.Description,
			p.Weight,
			p.CategoryName,
			p.ImageURL,
			p.ThumbnailURL,
			qty,
		}
		if err := writeRow(f, i+2, row); err != nil {
			return 0, err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return 0, types.NewAppError(types.ErrCodeExportWrite, "failed to save catalog workbook", err)
	}

	e.logger.Info("catalog export written", "path", path, "products", len(products))
	return len(products), nil
}

// writeRow sets one worksheet row starting at column A.
func writeRow(f *excelize.File, rowNum int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return types.NewAppError(types.ErrCodeExportWrite, "failed to compute cell coordinates", err)
	}
	if err := f.SetSheetRow(catalogSheet, cell, &values); err != nil {
		return types.NewAppError(types.ErrCodeExportWrite, "failed to write catalog row", err)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
