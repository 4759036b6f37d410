package expense

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("Export", func() {
	var (
		expenses []*Expense
		workbook *Workbook
		rows     [][]string
		err      error
	)

	BeforeEach(func() {
		expenses = []*Expense{
			{
				Category:    "Carburante",
				Amount:      decimal.RequireFromString("60.4"),
				Description: "Diesel",
				Merchant:    "Eni",
				ExpenseDate: date(2024, 1, 15),
				CreatedAt:   time.Now(),
			},
			{
				Category:    "Generic",
				Amount:      decimal.RequireFromString("3"),
				Description: "Descrizione non disponibile",
				Merchant:    "Azienda non disponibile",
			},
		}
	})

	JustBeforeEach(func() {
		rows = nil
		workbook, err = Export(expenses, "Cantiere Milano")
		if err != nil {
			return
		}

		f, openErr := excelize.OpenReader(bytes.NewReader(workbook.Data))
		Expect(openErr).NotTo(HaveOccurred())
		defer f.Close()

		Expect(f.GetSheetList()).To(Equal([]string{"Spese"}))
		rows, err = f.GetRows("Spese")
		Expect(err).NotTo(HaveOccurred())
	})

	It("writes the header row", func() {
		Expect(rows[0]).To(Equal([]string{"Data", "Azienda", "Tipo Spesa", "Importo (€)", "Descrizione"}))
	})

	It("writes one row per expense in order", func() {
		Expect(rows).To(HaveLen(3))
		Expect(rows[1]).To(Equal([]string{"15/1/2024", "Eni", "Carburante", "60.40", "Diesel"}))
	})

	It("writes a dash for a missing date", func() {
		Expect(rows[2][0]).To(Equal("-"))
		Expect(rows[2][3]).To(Equal("3.00"))
	})

	It("names the file after the center", func() {
		Expect(workbook.Filename).To(Equal("spese_Cantiere_Milano.xlsx"))
	})

	When("there are no expenses", func() {
		BeforeEach(func() {
			expenses = nil
		})

		It("refuses before building a workbook", func() {
			Expect(err).To(MatchError(ErrNothingToExport))
			Expect(workbook).To(BeNil())
		})
	})
})

var _ = Describe("sanitizeFilename", func() {
	DescribeTable("cleans center names",
		func(name, want string) {
			Expect(sanitizeFilename(name)).To(Equal(want))
		},
		Entry("spaces", "Trasferta Roma", "Trasferta_Roma"),
		Entry("accents survive", "Caffè Città", "Caffè_Città"),
		Entry("path characters", "../etc/passwd", "etcpasswd"),
		Entry("only symbols", "***", "centro"),
		Entry("long names", "Centro di spesa con un nome davvero molto molto lungo", "Centro_di_spesa_con_un_nome_davvero_molto_molto_lu"),
	)
})
