package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/shipbot/internal/domain"
)

func fixedPhone() string { return "+15550000000" }

func testRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Phone == nil {
		opts.Phone = fixedPhone
	}
	return New(opts)
}

// walk follows Next from the start with every data field already answered.
func walk(r *Registry, sess *domain.Session, until domain.StepID) []domain.StepID {
	var path []domain.StepID
	cur := r.Start()
	for i := 0; i < 50; i++ {
		path = append(path, cur)
		if cur == until {
			break
		}
		step, _ := r.Step(cur)
		if step.Field != "" {
			sess.Fields[step.Field] = "x"
		}
		sess.CurrentStep = cur
		cur = step.Next(sess)
	}
	return path
}

func TestRegistry_DefaultOrder(t *testing.T) {
	r := testRegistry(t, Options{})
	sess := &domain.Session{Fields: domain.Fields{}}

	path := walk(r, sess, ConfirmData)
	assert.Equal(t, []domain.StepID{
		FromName, FromAddress, FromCity, FromState, FromZip, FromPhone,
		ToName, ToAddress, ToCity, ToState, ToZip, ToPhone,
		ParcelWeight, ParcelLength, ParcelWidth, ParcelHeight,
		ConfirmData,
	}, path)
	assert.False(t, r.Has(FromAddress2))
}

func TestRegistry_AddressLine2(t *testing.T) {
	r := testRegistry(t, Options{AddressLine2: true})
	sess := &domain.Session{Fields: domain.Fields{}}

	path := walk(r, sess, FromCity)
	assert.Equal(t, []domain.StepID{FromName, FromAddress, FromAddress2, FromCity}, path)

	step, ok := r.Step(FromAddress2)
	require.True(t, ok)
	assert.True(t, step.Skippable())
	assert.Equal(t, "", step.Skip.Default())
}

func TestRegistry_StartAndLookups(t *testing.T) {
	r := testRegistry(t, Options{})
	assert.Equal(t, FromName, r.Start())
	assert.True(t, r.Has(ParcelHeight))
	assert.False(t, r.Has(CancelConfirm))
	assert.True(t, IsPseudo(CancelConfirm))
	assert.True(t, IsPseudo(EditMenu))
	assert.True(t, IsPseudo(TemplateSave))
	assert.False(t, IsPseudo(FromName))

	_, ok := r.Step("NOPE")
	assert.False(t, ok)
}

func TestRegistry_PhoneSkipDefault(t *testing.T) {
	r := testRegistry(t, Options{})
	for _, id := range []domain.StepID{FromPhone, ToPhone} {
		step, ok := r.Step(id)
		require.True(t, ok)
		require.True(t, step.Skippable())
		assert.Equal(t, "+15550000000", step.Skip.Default())
	}

	name, _ := r.Step(FromName)
	assert.False(t, name.Skippable())
}

func TestRegistry_Prev(t *testing.T) {
	r := testRegistry(t, Options{})

	_, ok := r.Prev(FromName)
	assert.False(t, ok, "nothing before the start step")

	tests := []struct{ from, want domain.StepID }{
		{FromAddress, FromName},
		{FromCity, FromAddress},
		{ToName, FromPhone},
		{ParcelWeight, ToPhone},
		{ConfirmData, ParcelHeight},
		{SelectRate, ConfirmData},
		{PaymentMethod, SelectRate},
	}
	for _, tt := range tests {
		got, ok := r.Prev(tt.from)
		require.True(t, ok, tt.from)
		assert.Equal(t, tt.want, got, tt.from)
	}

	_, ok = r.Prev(AwaitPayment)
	assert.False(t, ok, "an issued invoice cannot be walked back")
}

func TestRegistry_ResumeTargetReturnsAtGroupEnd(t *testing.T) {
	r := testRegistry(t, Options{})
	sess := &domain.Session{Fields: domain.Fields{}, ResumeTarget: ConfirmData}

	zip, _ := r.Step(FromZip)
	assert.Equal(t, FromPhone, zip.Next(sess), "stays inside the edited group")

	phone, _ := r.Step(FromPhone)
	assert.Equal(t, ConfirmData, phone.Next(sess), "leaving the group returns to the target")

	height, _ := r.Step(ParcelHeight)
	assert.Equal(t, ConfirmData, height.Next(sess))
}

func TestRegistry_TemplateSkipsAnsweredSteps(t *testing.T) {
	r := testRegistry(t, Options{})
	tpl := domain.Template{
		ID:   "tpl-1",
		From: domain.Address{Name: "A", Street1: "1 Main St", City: "Austin", State: "TX", Zip: "73301"},
		To:   domain.Address{Name: "B", Street1: "2 Oak Ave", City: "Denver", State: "CO", Zip: "80202", Phone: "+13035550100"},
	}
	fields := tpl.Fields()

	// The sender phone is missing, so the template starts there.
	assert.Equal(t, FromPhone, r.FirstOpen(fields))

	sess := &domain.Session{Fields: fields.Merge(domain.Fields{domain.FieldFromPhone: "+15125550100"})}
	phone, _ := r.Step(FromPhone)
	assert.Equal(t, ParcelWeight, phone.Next(sess), "recipient steps are already answered")
}

func TestRegistry_FirstOpen(t *testing.T) {
	r := testRegistry(t, Options{})
	assert.Equal(t, FromName, r.FirstOpen(domain.Fields{}))
	assert.Equal(t, FromAddress, r.FirstOpen(domain.Fields{domain.FieldFromName: "A"}))

	all := domain.Fields{}
	for _, f := range r.DataFields() {
		all[f] = "x"
	}
	assert.Equal(t, ConfirmData, r.FirstOpen(all))
}

func TestRegistry_Groups(t *testing.T) {
	r := testRegistry(t, Options{})
	assert.Equal(t, []string{GroupFrom, GroupTo, GroupParcel}, r.Groups())

	start, ok := r.GroupStart(GroupTo)
	require.True(t, ok)
	assert.Equal(t, ToName, start)

	start, ok = r.GroupStart(GroupParcel)
	require.True(t, ok)
	assert.Equal(t, ParcelWeight, start)

	_, ok = r.GroupStart(GroupReview)
	assert.False(t, ok)
	_, ok = r.GroupStart("billing")
	assert.False(t, ok)

	assert.Equal(t, []string{
		domain.FieldWeight, domain.FieldLength, domain.FieldWidth, domain.FieldHeight,
	}, r.GroupFields(GroupParcel))
}

func TestRegistry_FieldNamesMatchDomain(t *testing.T) {
	r := testRegistry(t, Options{AddressLine2: true})
	fields := r.DataFields()
	for _, f := range []string{
		domain.FieldFromName, domain.FieldFromAddress, domain.FieldFromAddress2, domain.FieldFromCity,
		domain.FieldFromState, domain.FieldFromZip, domain.FieldFromPhone,
		domain.FieldToName, domain.FieldToAddress, domain.FieldToAddress2, domain.FieldToCity,
		domain.FieldToState, domain.FieldToZip, domain.FieldToPhone,
	} {
		assert.Contains(t, fields, f)
	}
}

func TestRegistry_NextIsDeterministic(t *testing.T) {
	r := testRegistry(t, Options{})
	sess := &domain.Session{CurrentStep: FromAddress, Fields: domain.Fields{domain.FieldFromName: "A", domain.FieldFromAddress: "1 Main St"}}
	step, _ := r.Step(FromAddress)
	first := step.Next(sess)
	for range 10 {
		assert.Equal(t, first, step.Next(sess))
	}
	assert.Equal(t, FromCity, first)
}

func TestRegistry_ActionSteps(t *testing.T) {
	r := testRegistry(t, Options{})
	for _, id := range []domain.StepID{ConfirmData, SelectRate, PaymentMethod, AwaitPayment} {
		step, ok := r.Step(id)
		require.True(t, ok)
		assert.True(t, step.Action, id)
		assert.Empty(t, step.Field, id)
	}

	confirm, _ := r.Step(ConfirmData)
	_, err := confirm.Validate("yes")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Hint)

	assert.Equal(t, SelectRate, confirm.Next(&domain.Session{}))
	await, _ := r.Step(AwaitPayment)
	assert.Equal(t, AwaitPayment, await.Next(&domain.Session{}))
}
